//go:build !linux

package ioworker

// poller is a placeholder on platforms without epoll support. Worker
// construction fails before any method is reached.
type poller struct{}

func newPoller() (*poller, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *poller) register(fd int, events IOEvents, cb IOCallback) error {
	return ErrUnsupportedPlatform
}

func (p *poller) unregister(fd int) error {
	return ErrUnsupportedPlatform
}

func (p *poller) modify(fd int, events IOEvents) error {
	return ErrUnsupportedPlatform
}

func (p *poller) wait(timeoutMs int) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (p *poller) activeFDs() []int {
	return nil
}

func (p *poller) close() error {
	return nil
}
