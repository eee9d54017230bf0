package state

// ErrorKind classifies the printer's print_error code into the handful of
// situations the agent reacts to differently.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorFilamentRunOut
	ErrorUnknown
)

// Filament run-out is reported with a different code per AMS slot
// (07008011, 07018011, 07028011, 07038011) plus 07FF8011 for the external spool.
var filamentRunOutCodes = map[int]struct{}{
	117473297: {},
	117539089: {},
	117604881: {},
	117670673: {},
	134184977: {},
}

// Codes the printer reports that are informational rather than failures.
var ignoredErrorCodes = map[int]struct{}{
	83918896:  {},
	50364434:  {},
	83935249:  {},
	134184967: {},
}

// PrinterError maps the cached print_error code to an ErrorKind.
func (c *Cache) PrinterError() ErrorKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return printerError(c.data)
}

func printerError(d Data) ErrorKind {
	if d.PrintError == nil || *d.PrintError == 0 {
		return ErrorNone
	}
	code := *d.PrintError
	if _, ok := filamentRunOutCodes[code]; ok {
		return ErrorFilamentRunOut
	}
	if _, ok := ignoredErrorCodes[code]; ok {
		return ErrorNone
	}
	return ErrorUnknown
}

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorFilamentRunOut:
		return "filament_runout"
	default:
		return "unknown"
	}
}
