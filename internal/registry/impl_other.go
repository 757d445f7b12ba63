//go:build !linux

package registry

// otherRegistry 只做一次扫描，没有热插拔
type otherRegistry struct {
	*deviceSet
	opts Options
}

func newRegistry(opts Options) Registry {
	return &otherRegistry{deviceSet: newDeviceSet(opts.Kinds), opts: opts}
}

func (r *otherRegistry) Start() error {
	r.seed(Scan(r.opts))
	return nil
}

func (r *otherRegistry) Stop() { r.shutdown() }
