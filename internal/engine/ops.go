package engine

// Direction selects the read and write halves of a channel for shutdown
// and handle queries.
type Direction uint8

const (
	DirRead Direction = 1 << iota
	DirWrite

	DirBoth = DirRead | DirWrite
)

// Readiness is the mask delivered to host notification callbacks.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
)

// ChannelOps is the per-family operation table. One implementation
// exists per concrete channel family (TCP client, TCP listener). Every
// method is invoked with the channel lock held unless noted; a method
// that calls back into host code must unlock around the callback and
// relock before returning, with the caller's reference keeping the
// channel alive.
type ChannelOps interface {
	// Initialize and Finalize bracket the channel's lifetime. Finalize
	// runs inside the final drop and must release OS resources.
	Initialize(c *Channel)
	Finalize(c *Channel)

	// Shutdown closes the underlying OS handle(s) for the given
	// direction mask.
	Shutdown(c *Channel, dir Direction) error

	// Accept consumes queued accept buffers and builds child channels.
	// Listener families only; others must not be asked.
	Accept(c *Channel)

	// Connected runs when an asynchronous connect completes. A nil
	// return moves the channel to open; an error disconnects it.
	Connected(c *Channel) error

	// BlockingConnect cycles through the remaining addresses
	// synchronously. It may unlock the channel around dial calls.
	BlockingConnect(c *Channel) error

	// ConnectFailed starts the next connect attempt after a failure.
	// A nil return means a retry is in flight; an error means the
	// address list is exhausted.
	ConnectFailed(c *Channel) error

	// Disconnected is the teardown hook for an established connection.
	Disconnected(c *Channel)

	// PostRead posts one asynchronous read. The engine maintains the
	// pending-read counter around it.
	PostRead(c *Channel) error

	// PostWrite posts p as one asynchronous write and returns the byte
	// count queued. A zero count with a nil error means the send queue
	// is full (not an error).
	PostWrite(c *Channel, p []byte) (int, error)

	// TranslateError refines a completion error using channel state.
	TranslateError(c *Channel, b *Buffer) error

	// GetHandle returns the opaque OS handle for the direction.
	GetHandle(c *Channel, dir Direction) (uintptr, error)

	// Option surface: names is the ordered option list; get and set
	// address options by index into that list.
	OptionNames() []string
	GetOption(c *Channel, index int) (string, error)
	SetOption(c *Channel, index int, value string) error
}

// BaseOps provides inert defaults so families only spell out the hooks
// they need.
type BaseOps struct{}

func (BaseOps) Initialize(*Channel)                {}
func (BaseOps) Finalize(*Channel)                  {}
func (BaseOps) Shutdown(*Channel, Direction) error { return nil }
func (BaseOps) Accept(*Channel)                    { panic("channel family does not accept") }
func (BaseOps) Connected(*Channel) error           { return nil }
func (BaseOps) BlockingConnect(*Channel) error     { return ErrNotConnected }
func (BaseOps) ConnectFailed(*Channel) error       { return ErrNotConnected }
func (BaseOps) Disconnected(*Channel)              {}
func (BaseOps) PostRead(*Channel) error            { return ErrNotConnected }

func (BaseOps) PostWrite(*Channel, []byte) (int, error) { return 0, ErrNotConnected }

func (BaseOps) TranslateError(_ *Channel, b *Buffer) error { return b.err }
func (BaseOps) GetHandle(*Channel, Direction) (uintptr, error) {
	return 0, ErrNotConnected
}
func (BaseOps) OptionNames() []string { return nil }
func (BaseOps) GetOption(*Channel, int) (string, error) {
	return "", ErrNotConnected
}
func (BaseOps) SetOption(*Channel, int, string) error { return ErrNotConnected }
