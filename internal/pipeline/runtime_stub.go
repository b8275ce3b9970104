//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the active image backend.
func Backend() string {
	return "imaging"
}

func NewTransformer() (Transformer, error) {
	return imagingTransformer{}, nil
}
