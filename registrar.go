package sockmux

// Service is the identity a server endpoint is announced under.
type Service struct {
	Type     string
	Subtype  string
	Instance string
	Host     string
	Port     int
}

// Registrar announces listening endpoints to a service directory.
// servmap.UDPRegistrar is the implementation shipped with this module.
type Registrar interface {
	Register(svc Service) error
	Unregister(svc Service) error
}
