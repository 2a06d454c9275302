package speedtest

// Spawner allows callers (e.g. the schedule supervisor) to own goroutines
// created by the engine. When nil, the engine falls back to plain `go`.
//
// This package deliberately does not depend on any supervisor implementation.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }

func spawn(s Spawner, name string, fn func()) {
	if s != nil {
		s.Go(name, fn)
		return
	}
	go fn()
}
