package agentipc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/semantic"
	"github.com/vexfs/vexfs/internal/vexerr"
)

// EmbeddingRequest is the body of a MsgEmbeddingRequest or
// MsgBatchEmbeddingRequest message.
type EmbeddingRequest struct {
	RequestID uint64
	Model     string
	Dimension uint32
	Inputs    [][]float32 // len 1 for a single request, >1 for a batch
}

// EmbeddingResponse is the body of the matching response message.
type EmbeddingResponse struct {
	RequestID  uint64
	Code       ResponseCode
	Embeddings [][]float32
	Error      string
}

// Conn is one framed byte-stream connection to/from an embedding service.
// Bodies are JSON: the wire header is the binary contract with a fixed
// layout, and the body format is deliberately simple since only the header
// needs to be self-describing on the wire.
type Conn struct {
	nc net.Conn
	mu sync.Mutex
}

// NewConn wraps an established connection (e.g. from net.Dial("unix", ...)
// or a Listener.Accept()).
func NewConn(nc net.Conn) *Conn { return &Conn{nc: nc} }

// Send encodes and writes one message, length-prefixed so the reader knows
// how many bytes to pull before calling Decode.
func (c *Conn) Send(typ MessageType, corrID uint64, flags Flags, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("agentipc: marshal body: %w", err)
	}
	msg, err := Encode(typ, corrID, time.Now().UnixNano(), flags, raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(msg)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return xerrors.Errorf("agentipc: write length: %w", err)
	}
	if _, err := c.nc.Write(msg); err != nil {
		return xerrors.Errorf("agentipc: write message: %w", err)
	}
	return nil
}

// Recv blocks for the next framed message and decodes its header.
func (c *Conn) Recv() (MessageHeader, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return MessageHeader{}, nil, err
	}
	n := uint32FromBuf(lenBuf[:])
	if n > MaxMessageBytes {
		return MessageHeader{}, nil, xerrors.Errorf("agentipc: recv: %w", vexerr.ErrFileTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return MessageHeader{}, nil, err
	}
	return Decode(buf)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func uint32FromBuf(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Listener serves Registry operations over accepted Conns: registration,
// heartbeat, and request routing each arrive as one framed message and get
// one framed reply.
type Listener struct {
	reg    *Registry
	ln     net.Listener
	bridge *semantic.Bridge

	handleRequest func(ctx context.Context, req EmbeddingRequest, want Capabilities) (EmbeddingResponse, error)
}

// NewListener binds a unix-socket (or any net.Listener target) front end
// for reg. handleRequest is invoked once a service has been routed to,
// typically a *Conn.Send/Recv round trip to that service itself. bridge
// may be nil to disable MsgSemanticEvent handling (e.g. for a listener
// that only serves embedding requests).
func NewListener(reg *Registry, ln net.Listener, bridge *semantic.Bridge, handleRequest func(context.Context, EmbeddingRequest, Capabilities) (EmbeddingResponse, error)) *Listener {
	return &Listener{reg: reg, ln: ln, bridge: bridge, handleRequest: handleRequest}
}

// Serve accepts connections until ctx is done or the listener errors.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.serveConn(ctx, NewConn(nc))
	}
}

func (l *Listener) serveConn(ctx context.Context, c *Conn) {
	defer c.Close()
	for {
		h, body, err := c.Recv()
		if err != nil {
			return
		}
		l.dispatch(ctx, c, h, body)
	}
}

func (l *Listener) dispatch(ctx context.Context, c *Conn, h MessageHeader, body []byte) {
	switch h.Type {
	case MsgServiceRegister:
		var info Info
		if err := json.Unmarshal(body, &info); err != nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(err))
			return
		}
		if err := l.reg.Register(info); err != nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(err))
			return
		}
		c.Send(MsgAck, h.CorrID, 0, struct{}{})

	case MsgHeartbeat:
		var hb struct {
			ID   string
			Load LoadInfo
		}
		if err := json.Unmarshal(body, &hb); err != nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(err))
			return
		}
		if err := l.reg.Heartbeat(hb.ID, hb.Load); err != nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(err))
			return
		}
		c.Send(MsgAck, h.CorrID, 0, struct{}{})

	case MsgEmbeddingRequest, MsgBatchEmbeddingRequest:
		var envelope struct {
			Request      EmbeddingRequest
			Capabilities Capabilities
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Send(MsgError, h.CorrID, 0, EmbeddingResponse{Code: CodeInvalidRequest, Error: err.Error()})
			return
		}
		target, err := l.reg.Route(envelope.Capabilities)
		if err != nil {
			c.Send(MsgError, h.CorrID, 0, EmbeddingResponse{Code: CodeModelNotFound, Error: err.Error()})
			return
		}
		if ok, _ := l.reg.AllowRequest(target.ID); !ok {
			c.Send(MsgError, h.CorrID, 0, EmbeddingResponse{Code: CodeOverloaded, Error: "rate limit exceeded"})
			return
		}
		start := time.Now()
		resp, err := l.handleRequest(ctx, envelope.Request, envelope.Capabilities)
		if err != nil {
			l.reg.RecordFailure(target.ID)
			l.reg.RecordResult(target.ID, time.Since(start), false)
			c.Send(MsgError, h.CorrID, 0, EmbeddingResponse{Code: CodeInternalError, Error: err.Error()})
			return
		}
		l.reg.RecordResult(target.ID, time.Since(start), true)
		typ := MsgEmbeddingResponse
		if h.Type == MsgBatchEmbeddingRequest {
			typ = MsgBatchEmbeddingResponse
		}
		c.Send(typ, h.CorrID, 0, resp)

	case MsgSemanticEvent:
		if l.bridge == nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(xerrors.Errorf("agentipc: %w", vexerr.ErrUnsupportedOp)))
			return
		}
		var e semantic.Event
		if err := json.Unmarshal(body, &e); err != nil {
			c.Send(MsgNack, h.CorrID, 0, nackBody(err))
			return
		}
		l.bridge.IngestRemote(e)
		c.Send(MsgAck, h.CorrID, 0, struct{}{})

	default:
		c.Send(MsgNack, h.CorrID, 0, nackBody(xerrors.Errorf("agentipc: %w", vexerr.ErrUnsupportedOp)))
	}
}

func nackBody(err error) interface{} {
	return struct{ Error string }{Error: err.Error()}
}

// TokenSource builds an OAuth2 client-credentials token source used to
// authenticate heartbeats sent to a remote registry.
func TokenSource(ctx context.Context, clientID, clientSecret, tokenURL string) oauth2.TokenSource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return cfg.TokenSource(ctx)
}
