package lx

// reentrancyGuard rejects a guarded operation entered while another guarded
// operation is still running on the same engine. It never blocks.
type reentrancyGuard struct {
	entered bool
}

// enter takes the guard. The returned release must run on every exit path.
func (g *reentrancyGuard) enter() (release func(), err error) {
	if g.entered {
		return nil, ErrReentrantCall
	}
	g.entered = true
	return func() { g.entered = false }, nil
}
