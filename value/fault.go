package value

import "fmt"

// Fault is an error reported by the remote side for one specific request.
// It never describes a transport failure.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// Record renders the fault as the faultCode/faultString struct used on the wire.
func (f *Fault) Record() *Record {
	return NewRecord(
		Field{Name: "faultCode", Value: Int(f.Code)},
		Field{Name: "faultString", Value: String(f.Message)},
	)
}
