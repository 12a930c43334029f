package gateway

import "context"

// ImagePart is one image handed to a backend, main images first, then
// reference images.
type ImagePart struct {
	MIME string
	Data []byte
}

// Request is the normalized form every dispatcher translates into its own
// wire format.
type Request struct {
	Instruction     string
	Images          []ImagePart
	ReferenceImages []ImagePart
	ImageSize       string
	AspectRatio     string
	Model           string
}

// Usage is the normalized token accounting reported by a backend.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// Response is the normalized result of a successful dispatch. Images are
// data URLs regardless of how the backend returned them.
type Response struct {
	Images []string
	Text   string
	Usage  Usage
}

// Dispatcher hides backend heterogeneity behind one call. Implementations
// perform exactly one outbound request and never touch storage or billing.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (*Response, error)
}
