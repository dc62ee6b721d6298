package invoke

// callRequestMessage is a request message. Each message is one call: the
// ordered input values for the configured R function.
type callRequestMessage struct {
	ID    string
	Input []interface{}
}

// callResponseMessage is a response message, one per request. Exactly one of
// Values, NoResult, or Err is meaningful. Fatal marks errors that have
// permanently poisoned the bridge behind the server.
type callResponseMessage struct {
	ID       string
	Values   []interface{}
	NoResult bool
	Err      string
	Fatal    bool
}
