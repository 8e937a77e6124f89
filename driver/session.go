package driver

import (
	"context"
	"errors"
)

// Session owns at most one page for the duration of a scenario run. Steps
// open it lazily; the runner closes it when the run ends.
type Session struct {
	Launcher Launcher
	Options  Options

	page Page
}

// Open launches the page on first use and returns it.
func (s *Session) Open(ctx context.Context) (Page, error) {
	if s.page != nil {
		return s.page, nil
	}
	if s.Launcher == nil {
		return nil, errors.New("no browser launcher configured")
	}
	p, err := s.Launcher.Launch(ctx, s.Options)
	if err != nil {
		return nil, err
	}
	s.page = p
	return p, nil
}

// Page returns the open page or nil.
func (s *Session) Page() Page {
	if s == nil {
		return nil
	}
	return s.page
}

// Close closes the page if one was opened. It is safe to call repeatedly.
func (s *Session) Close() error {
	if s == nil || s.page == nil {
		return nil
	}
	err := s.page.Close()
	s.page = nil
	return err
}
