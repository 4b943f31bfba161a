package broker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/davecgh/go-spew/spew"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/log"
)

var (
	errFrameSize          = errors.New("broker: request frame size out of range")
	errHeader             = errors.New("broker: malformed request header")
	errUnknownAPI         = errors.New("broker: unknown api key")
	errUnsupportedVersion = errors.New("broker: unsupported api version")
)

// requestHeader is a decoded request header, v1 or v2.
type requestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.shutdownCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				b.logger.Error("listener accept failed", log.Error("error", err))
				time.Sleep(10 * time.Millisecond)
				continue
			}
			b.logger.Error("listener closed", log.Error("error", err))
			return
		}

		b.connsLock.Lock()
		b.conns[conn] = struct{}{}
		b.connsLock.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(conn)
			b.connsLock.Lock()
			delete(b.conns, conn)
			b.connsLock.Unlock()
		}()
	}
}

// handleConn serves requests on conn one at a time, so responses go out in
// request order.
func (b *Broker) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := b.logger.With(log.String("remote addr", conn.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, p); err != nil {
			if err != io.EOF {
				logger.Debug("conn read failed", log.Error("error", err))
			}
			return
		}
		size := int32(binary.BigEndian.Uint32(p))
		if size < 8 || size > b.config.SocketRequestMaxBytes {
			logger.Error("closing conn", log.Error("error", errFrameSize), log.Int32("size", size))
			return
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			logger.Debug("conn read failed", log.Error("error", err))
			return
		}
		b.metrics.BytesIn.Add(float64(size + 4))

		resp, err := b.handleRequest(ctx, body)
		if err != nil {
			logger.Error("closing conn", log.Error("error", err))
			return
		}
		if resp == nil {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			logger.Debug("conn write failed", log.Error("error", err))
			return
		}
		b.metrics.BytesOut.Add(float64(len(resp)))
	}
}

// handleRequest decodes one request frame, runs its handler and returns
// the encoded response frame. A nil frame with a nil error means the
// request takes no response.
func (b *Broker) handleRequest(ctx context.Context, body []byte) ([]byte, error) {
	header, kreq, err := decodeRequest(body)
	if header == nil {
		return nil, err
	}
	api := kmsg.NameForKey(header.APIKey)
	b.metrics.RequestsHandled.With("api", api).Add(1)

	span := b.tracer.StartSpan("request")
	defer span.Finish()
	span.SetTag("api_key", header.APIKey)
	span.SetTag("api_version", header.APIVersion)
	span.SetTag("correlation_id", header.CorrelationID)
	span.SetTag("node_id", b.config.ID)
	if header.ClientID != nil {
		span.SetTag("client_id", *header.ClientID)
	}
	ctx = opentracing.ContextWithSpan(ctx, span)

	if err == errUnsupportedVersion && header.APIKey == int16(kmsg.ApiVersions) {
		return encodeResponse(header.CorrelationID, b.unsupportedAPIVersions()), nil
	}
	if err != nil {
		b.metrics.RequestErrors.With("api", api).Add(1)
		span.LogKV("msg", "failed to decode request", "err", err)
		return nil, errors.Wrapf(err, "api key %d version %d", header.APIKey, header.APIVersion)
	}
	b.vlog(span, "request", kreq)

	var resp kmsg.Response
	switch req := kreq.(type) {
	case *kmsg.ApiVersionsRequest:
		resp = b.handleAPIVersions(ctx, req)
	case *kmsg.MetadataRequest:
		resp = b.handleMetadata(ctx, req)
	case *kmsg.ProduceRequest:
		pr := b.handleProduce(ctx, req)
		if req.Acks == 0 {
			return nil, nil
		}
		resp = pr
	case *kmsg.FetchRequest:
		resp = b.handleFetch(ctx, req)
	case *kmsg.ListOffsetsRequest:
		resp = b.handleListOffsets(ctx, req)
	case *kmsg.CreateTopicsRequest:
		resp = b.handleCreateTopics(ctx, req)
	default:
		b.metrics.RequestErrors.With("api", api).Add(1)
		return nil, errors.Wrapf(errUnknownAPI, "%d", header.APIKey)
	}
	b.vlog(span, "response", resp)

	return encodeResponse(header.CorrelationID, resp), nil
}

// decodeRequest reads the request header and, when the api and version
// are supported, the request body. The header is nil when it could not be
// read at all.
func decodeRequest(body []byte) (*requestHeader, kmsg.Request, error) {
	r := kbin.Reader{Src: body}
	h := &requestHeader{
		APIKey:        r.Int16(),
		APIVersion:    r.Int16(),
		CorrelationID: r.Int32(),
		ClientID:      r.NullableString(),
	}
	if !r.Ok() {
		return nil, nil, errHeader
	}

	versions, ok := supportedVersions(h.APIKey)
	if !ok {
		return h, nil, errors.Wrapf(errUnknownAPI, "%d", h.APIKey)
	}
	if h.APIVersion < versions.min || h.APIVersion > versions.max {
		return h, nil, errUnsupportedVersion
	}

	kreq := kmsg.RequestForKey(h.APIKey)
	kreq.SetVersion(h.APIVersion)
	if kreq.IsFlexible() {
		skipTags(&r)
		if !r.Ok() {
			return h, nil, errHeader
		}
	}
	if err := kreq.ReadFrom(r.Src); err != nil {
		return h, nil, errors.Wrap(err, "broker: decode request")
	}
	return h, kreq, nil
}

func skipTags(r *kbin.Reader) {
	for n := r.Uvarint(); n > 0 && r.Ok(); n-- {
		r.Uvarint()
		r.Span(int(r.Uvarint()))
	}
}

// encodeResponse frames resp. ApiVersions responses always carry a v0
// response header so that clients can read them before knowing versions.
func encodeResponse(correlationID int32, resp kmsg.Response) []byte {
	buf := make([]byte, 8, 64)
	binary.BigEndian.PutUint32(buf[4:], uint32(correlationID))
	if resp.IsFlexible() && resp.Key() != int16(kmsg.ApiVersions) {
		buf = append(buf, 0)
	}
	buf = resp.AppendTo(buf)
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-4))
	return buf
}

// span starts a child of the request span in ctx.
func (b *Broker) span(ctx context.Context, op string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContextWithTracer(ctx, b.tracer, "broker: "+op)
}

func (b *Broker) vlog(span opentracing.Span, k string, i interface{}) {
	if serverVerboseLogs {
		span.LogKV(k, spew.Sdump(i))
	}
}
