package models

// Track is one playable chart entry. Immutable once fetched.
type Track struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Cover      string `json:"cover"`
	PreviewURL string `json:"previewUrl"`
}

// Song is the part of a Track that may be disclosed on reveal. It never carries the audio reference.
type Song struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Cover  string `json:"cover"`
}

// Song returns the disclosable fields of t.
func (t Track) Song() Song {
	return Song{Title: t.Title, Artist: t.Artist, Album: t.Album, Cover: t.Cover}
}

// Genre is one entry of the genre catalogue. ID 0 means "all genres".
type Genre struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// AllGenres is the sentinel genre id that selects the global chart.
const AllGenres = 0
