// internal/catalog/source.go
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/oidomusical/rooms/internal/apperr"
	"github.com/oidomusical/rooms/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoTracks is returned by Draw when the selected genres yield no playable track.
var ErrNoTracks = fmt.Errorf("%w: no tracks available for the selected genres", apperr.ErrUpstreamUnavailable)

// Mirror is an optional second-level store for the last good fetches.
// *cache.Mirror implements it.
type Mirror interface {
	SaveTracks(ctx context.Context, genreID int, tracks []models.Track, fetchedAt time.Time) error
	LoadTracks(ctx context.Context, genreID int) ([]models.Track, time.Time, bool, error)
	SaveGenres(ctx context.Context, genres []models.Genre, fetchedAt time.Time) error
	LoadGenres(ctx context.Context) ([]models.Genre, time.Time, bool, error)
}

// Options configures a Source.
type Options struct {
	BaseURL    string
	Client     *http.Client
	ChartTTL   time.Duration
	GenreTTL   time.Duration
	ChartLimit int
	Mirror     Mirror
	Logger     *logrus.Logger
}

type chartEntry struct {
	tracks    []models.Track
	fetchedAt time.Time
}

type genreEntry struct {
	genres    []models.Genre
	fetchedAt time.Time
}

// Source fetches and time-caches chart tracks per genre and the genre catalogue.
// On a failed refresh it serves the last good value. Two callers refreshing the same key
// at once both fetch; the later write wins.
type Source struct {
	baseURL    string
	client     *http.Client
	chartTTL   time.Duration
	genreTTL   time.Duration
	chartLimit int
	mirror     Mirror
	log        *logrus.Entry

	mu     sync.RWMutex
	charts map[int]chartEntry
	genres *genreEntry

	now  func() time.Time
	intn func(n int) int
}

// New builds a Source with empty caches.
func New(opts Options) *Source {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := opts.ChartLimit
	if limit <= 0 {
		limit = 50
	}
	return &Source{
		baseURL:    opts.BaseURL,
		client:     client,
		chartTTL:   opts.ChartTTL,
		genreTTL:   opts.GenreTTL,
		chartLimit: limit,
		mirror:     opts.Mirror,
		log:        logger.WithField("component", "catalog"),
		charts:     make(map[int]chartEntry),
		now:        time.Now,
		intn:       rand.IntN,
	}
}

// Genres returns the genre catalogue.
func (s *Source) Genres(ctx context.Context) ([]models.Genre, error) {
	s.mu.RLock()
	cached := s.genres
	s.mu.RUnlock()
	if cached != nil && s.now().Sub(cached.fetchedAt) < s.genreTTL {
		return cached.genres, nil
	}

	genres, err := s.fetchGenres(ctx)
	if err != nil {
		if cached != nil {
			s.log.Warnf("genre refresh failed, serving cache from %s: %v", cached.fetchedAt.Format(time.RFC3339), err)
			return cached.genres, nil
		}
		if s.mirror != nil {
			mirrored, at, ok, mErr := s.mirror.LoadGenres(ctx)
			if mErr != nil {
				s.log.Warnf("genre mirror lookup failed: %v", mErr)
			} else if ok {
				s.storeGenres(mirrored, at)
				s.log.Warnf("genre refresh failed, serving mirror from %s: %v", at.Format(time.RFC3339), err)
				return mirrored, nil
			}
		}
		return nil, fmt.Errorf("%w: genres: %v", apperr.ErrUpstreamUnavailable, err)
	}

	now := s.now()
	s.storeGenres(genres, now)
	if s.mirror != nil {
		if err := s.mirror.SaveGenres(ctx, genres, now); err != nil {
			s.log.Warnf("failed to mirror genres: %v", err)
		}
	}
	return genres, nil
}

// Tracks returns the playable chart for genreID. Entries without a preview are dropped.
func (s *Source) Tracks(ctx context.Context, genreID int) ([]models.Track, error) {
	s.mu.RLock()
	cached, hasCache := s.charts[genreID]
	s.mu.RUnlock()
	if hasCache && s.now().Sub(cached.fetchedAt) < s.chartTTL {
		return cached.tracks, nil
	}

	tracks, err := s.fetchChart(ctx, genreID)
	if err != nil {
		if hasCache {
			s.log.Warnf("chart %d refresh failed, serving cache from %s: %v", genreID, cached.fetchedAt.Format(time.RFC3339), err)
			return cached.tracks, nil
		}
		if s.mirror != nil {
			mirrored, at, ok, mErr := s.mirror.LoadTracks(ctx, genreID)
			if mErr != nil {
				s.log.Warnf("chart %d mirror lookup failed: %v", genreID, mErr)
			} else if ok {
				s.storeChart(genreID, mirrored, at)
				s.log.Warnf("chart %d refresh failed, serving mirror from %s: %v", genreID, at.Format(time.RFC3339), err)
				return mirrored, nil
			}
		}
		return nil, fmt.Errorf("%w: chart %d: %v", apperr.ErrUpstreamUnavailable, genreID, err)
	}

	if len(tracks) == 0 {
		// nothing worth caching; keep whatever we had
		if hasCache {
			return cached.tracks, nil
		}
		return tracks, nil
	}

	now := s.now()
	s.storeChart(genreID, tracks, now)
	if s.mirror != nil {
		if err := s.mirror.SaveTracks(ctx, genreID, tracks, now); err != nil {
			s.log.Warnf("failed to mirror chart %d: %v", genreID, err)
		}
	}
	return tracks, nil
}

// Draw picks one track uniformly at random from the pooled charts of genreIDs.
// An empty selection means all genres.
func (s *Source) Draw(ctx context.Context, genreIDs []int) (models.Track, error) {
	ids, err := s.validate(ctx, genreIDs)
	if err != nil {
		return models.Track{}, err
	}

	results := make([][]models.Track, len(ids))
	errs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			results[i], errs[i] = s.Tracks(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var pool []models.Track
	var firstErr error
	for i := range ids {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		pool = append(pool, results[i]...)
	}
	if len(pool) == 0 {
		if firstErr != nil {
			return models.Track{}, firstErr
		}
		return models.Track{}, ErrNoTracks
	}
	return pool[s.intn(len(pool))], nil
}

// validate dedupes the selection and rejects ids missing from the genre catalogue.
// When the catalogue itself is unavailable the ids are passed through unchecked.
func (s *Source) validate(ctx context.Context, genreIDs []int) ([]int, error) {
	if len(genreIDs) == 0 {
		return []int{models.AllGenres}, nil
	}
	seen := make(map[int]bool, len(genreIDs))
	ids := make([]int, 0, len(genreIDs))
	for _, id := range genreIDs {
		if id < 0 {
			return nil, fmt.Errorf("%w: unknown genre %d", apperr.ErrInvalidRequest, id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	genres, err := s.Genres(ctx)
	if err != nil {
		return ids, nil
	}
	known := make(map[int]bool, len(genres)+1)
	known[models.AllGenres] = true
	for _, g := range genres {
		known[g.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return nil, fmt.Errorf("%w: unknown genre %d", apperr.ErrInvalidRequest, id)
		}
	}
	return ids, nil
}

func (s *Source) storeChart(genreID int, tracks []models.Track, at time.Time) {
	s.mu.Lock()
	s.charts[genreID] = chartEntry{tracks: tracks, fetchedAt: at}
	s.mu.Unlock()
}

func (s *Source) storeGenres(genres []models.Genre, at time.Time) {
	s.mu.Lock()
	s.genres = &genreEntry{genres: genres, fetchedAt: at}
	s.mu.Unlock()
}

// --- upstream ---

type deezerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type chartResponse struct {
	Data []struct {
		Title   string `json:"title"`
		Preview string `json:"preview"`
		Artist  struct {
			Name string `json:"name"`
		} `json:"artist"`
		Album struct {
			Title       string `json:"title"`
			CoverBig    string `json:"cover_big"`
			CoverMedium string `json:"cover_medium"`
		} `json:"album"`
	} `json:"data"`
	Error *deezerError `json:"error"`
}

type genreResponse struct {
	Data []struct {
		ID      int    `json:"id"`
		Name    string `json:"name"`
		Picture string `json:"picture_medium"`
	} `json:"data"`
	Error *deezerError `json:"error"`
}

func (s *Source) fetchChart(ctx context.Context, genreID int) ([]models.Track, error) {
	var resp chartResponse
	url := fmt.Sprintf("%s/chart/%d/tracks?limit=%d", s.baseURL, genreID, s.chartLimit)
	if err := s.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("deezer error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	tracks := make([]models.Track, 0, len(resp.Data))
	for _, t := range resp.Data {
		if t.Preview == "" {
			continue
		}
		cover := t.Album.CoverBig
		if cover == "" {
			cover = t.Album.CoverMedium
		}
		tracks = append(tracks, models.Track{
			Title:      t.Title,
			Artist:     t.Artist.Name,
			Album:      t.Album.Title,
			Cover:      cover,
			PreviewURL: t.Preview,
		})
	}
	return tracks, nil
}

func (s *Source) fetchGenres(ctx context.Context) ([]models.Genre, error) {
	var resp genreResponse
	if err := s.getJSON(ctx, s.baseURL+"/genre", &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("deezer error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty genre catalogue")
	}
	genres := make([]models.Genre, 0, len(resp.Data))
	for _, g := range resp.Data {
		genres = append(genres, models.Genre{ID: g.ID, Name: g.Name, Picture: g.Picture})
	}
	return genres, nil
}

func (s *Source) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: invalid json: %w", url, err)
	}
	return nil
}
