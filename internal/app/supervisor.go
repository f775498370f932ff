package app

import (
	"sync"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/util"
)

// Loader produces the configuration for each (re)start.
type Loader func() (config.Config, error)

// FileLoader reads and validates the YAML file at path.
func FileLoader(path string) Loader {
	return func() (config.Config, error) {
		return config.LoadConfig(path)
	}
}

// StaticLoader always returns cfg, normalized.
func StaticLoader(cfg config.Config) Loader {
	return func() (config.Config, error) {
		c := cfg
		if err := c.Normalize(); err != nil {
			return config.Config{}, err
		}
		return c, nil
	}
}

// Supervisor runs one Runtime at a time and swaps it on Restart.
type Supervisor struct {
	load   Loader
	logger util.Logger

	mu      sync.Mutex
	runtime *Runtime

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func NewSupervisor(load Loader, logger util.Logger) *Supervisor {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &Supervisor{
		load:   load,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) Start() error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	runtime, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()

	go s.watch(runtime)
	return nil
}

// watch reports completion when rt finishes on its own. A runtime that was
// replaced or stopped through the supervisor is ignored.
func (s *Supervisor) watch(rt *Runtime) {
	<-rt.Done()
	s.mu.Lock()
	current := s.runtime == rt
	s.mu.Unlock()
	if !current {
		return
	}
	s.doneOnce.Do(func() {
		s.err = rt.Err()
		close(s.done)
	})
}

func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Done is closed when the running configuration completes by itself, as a
// connect run does once every connection has finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err is the error the completed runtime finished with. Valid after Done.
func (s *Supervisor) Err() error {
	return s.err
}

func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
