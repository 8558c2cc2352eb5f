package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second

	mllpWriteTimeout = 10 * time.Second
)

// Acknowledgment codes used in MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called for each received HL7v2 message with the raw bytes
// as they arrived on the wire. It returns the acknowledgment to send back, or
// nil to send nothing. The context is not cancelled when the server stops, so
// a message that is already being handled runs to completion.
type MessageHandler func(ctx context.Context, raw []byte) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch received messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Serve starts the server and blocks until ctx is cancelled, then stops it.
func (s *MLLPServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the server down. The listener is closed first so no new
// connections arrive; idle connections are then closed and Stop waits for
// handlers that are mid-message to finish.
func (s *MLLPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}

		s.mu.Lock()
		for conn := range s.conns {
			// Unblock pending reads; a handler already processing a message
			// still writes its ACK before the connection goroutine exits.
			conn.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info().Msg("mllp listener stopped")
	})
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("mllp accept error")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// handleConnection reads MLLP-framed messages from conn, dispatches them to
// the handler and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.stopping() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("mllp message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !s.stopping() && len(buf) > 0 {
				// keep reading to finish the partial message
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	resp := s.handler(context.Background(), raw)
	if resp == nil {
		return
	}

	framed := FrameMessage(SerializeMessage(resp))
	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(framed); err != nil {
		s.logger.Error().Err(err).Msg("mllp write error")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be AckAccept, AckError or AckReject; text, when non-empty,
// goes into MSA-3. The ACK swaps the sending and receiving application and
// facility and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 3); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    "ACK" + strings.ReplaceAll(uuid.NewString(), "-", "")[:17],
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: "MSH", Fields: []Field{
		simpleField("|"),
		simpleField("^~\\&"),
		simpleField(ack.SendingApp),
		simpleField(ack.SendingFac),
		simpleField(ack.ReceivingApp),
		simpleField(ack.ReceivingFac),
		simpleField(now.Format("20060102150405")),
		simpleField(""),
		{Value: ack.Type, Components: []string{"ACK", trigger}},
		simpleField(ack.ControlID),
		simpleField("P"),
		simpleField(incoming.Version),
	}}

	msaFields := []Field{simpleField(ackCode), simpleField(incoming.ControlID)}
	if text != "" {
		msaFields = append(msaFields, simpleField(Escape(text)))
	}

	ack.Segments = []Segment{msh, {Name: "MSA", Fields: msaFields}}
	return ack
}

func simpleField(v string) Field {
	return Field{Value: v, Components: []string{v}}
}

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself and is implied by "MSH|".
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
