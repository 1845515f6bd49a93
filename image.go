package imgprefetch

// Image is a decoded-and-reencoded picture returned by the image service.
// Data holds the encoded bytes (JPEG for the reference backend).
type Image struct {
	Data   []byte
	Width  int
	Height int
	Format string
}

// Size returns the payload size in bytes.
func (i *Image) Size() int64 {
	if i == nil {
		return 0
	}
	return int64(len(i.Data))
}

// Metadata describes an image without transferring its pixels.
type Metadata struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
}

// File is one entry of a folder scan.
type File struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension"`
	IsSupported bool   `json:"is_supported"`
}

// Sequence is the ordered, already filtered and sorted list of images
// that navigation and prefetching operate over.
type Sequence interface {
	Len() int
	At(i int) string
}

// Paths is a Sequence backed by a slice of resource identifiers.
type Paths []string

func (p Paths) Len() int        { return len(p) }
func (p Paths) At(i int) string { return p[i] }

// FilesToPaths keeps the supported entries of a scan in order.
func FilesToPaths(files []File) Paths {
	out := make(Paths, 0, len(files))
	for _, f := range files {
		if f.IsSupported {
			out = append(out, f.Path)
		}
	}
	return out
}
