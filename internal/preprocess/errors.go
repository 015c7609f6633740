package preprocess

import "fmt"

// DecodeError reports image bytes that could not be decoded.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports a decoded image whose colour channel count
// does not match the model input.
type UnsupportedFormatError struct {
	Channels int
	Want     int
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported image: %d colour channel(s) after alpha removal, model expects %d", e.Channels, e.Want)
}
