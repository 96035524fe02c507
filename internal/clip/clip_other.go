//go:build !darwin && !linux && !windows

package clip

func newSystem() (Backend, error) {
	return nil, ErrUnavailable
}
