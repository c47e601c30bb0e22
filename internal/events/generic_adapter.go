package events

func init() {
	DefaultRegistry.RegisterAdapter("generic_json", genericJSONAdapter{})
}

// genericJSONAdapter accepts any JSON body as a Deliver outcome with event
// type "generic", demonstrating the Adapter contract without committing to
// any one integration's wire format.
type genericJSONAdapter struct{}

func (genericJSONAdapter) Name() string { return "generic_json" }

func (genericJSONAdapter) Handle(req Request, _ []byte, _ []byte) (Outcome, error) {
	if len(req.Body) == 0 {
		return Rejected("empty request body", 400), nil
	}
	headers := make(map[string]string, len(req.Headers))
	for k := range req.Headers {
		headers[k] = req.Headers.Get(k)
	}
	return Deliver("generic", req.Body, headers), nil
}
