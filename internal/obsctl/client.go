// Package obsctl is a minimal obs-websocket v5 client covering the two
// requests the assistant needs: resolving the current program scene and
// capturing a screenshot of it. Each call opens a fresh connection, performs
// the Hello/Identify handshake and closes; the capture rate is far too low to
// justify a persistent session.
package obsctl

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// obs-websocket v5 opcodes.
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

const (
	defaultTimeout = 5 * time.Second

	// Screenshot geometry matches a 16:9 program scene downscaled for
	// multimodal consumption.
	screenshotWidth   = 1024
	screenshotHeight  = 576
	screenshotQuality = 70
)

// ErrRequestFailed is wrapped by errors returned when OBS rejects a request.
var ErrRequestFailed = errors.New("obs request failed")

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each connect-and-request round trip. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client talks to a local OBS instance over obs-websocket v5.
type Client struct {
	url      string
	password string
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a client for the OBS WebSocket server at host:port. password
// may be empty when OBS authentication is disabled.
func New(host string, port int, password string, opts ...Option) *Client {
	c := &Client{
		url:      fmt.Sprintf("ws://%s:%d", host, port),
		password: password,
		timeout:  defaultTimeout,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CaptureProgramScene resolves the current program scene and returns a JPEG
// screenshot of it.
func (c *Client) CaptureProgramScene(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var scene struct {
		SceneName string `json:"sceneName"`
	}
	if err := c.request(ctx, conn, "GetCurrentProgramScene", nil, &scene); err != nil {
		return nil, err
	}

	var shot struct {
		ImageData string `json:"imageData"`
	}
	err = c.request(ctx, conn, "GetSourceScreenshot", map[string]any{
		"sourceName":  scene.SceneName,
		"imageFormat": "jpg",
		"imageWidth":  screenshotWidth,
		"imageHeight": screenshotHeight,
		"imageCompressionQuality": screenshotQuality,
	}, &shot)
	if err != nil {
		return nil, err
	}

	img, err := decodeImageData(shot.ImageData)
	if err != nil {
		return nil, err
	}
	c.log.Debug("program scene captured", "scene", scene.SceneName, "bytes", len(img))
	return img, nil
}

// decodeImageData strips the data URI prefix OBS prepends and decodes the
// base64 payload.
func decodeImageData(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		_, b64, ok := strings.Cut(data, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URI in screenshot response")
		}
		data = b64
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// ---- protocol ----

// envelope is the obs-websocket v5 message frame.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type requestResponseData struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// connect dials OBS and completes the Hello/Identify/Identified handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	var hello helloData
	if err := readEnvelope(ctx, conn, opHello, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, fmt.Errorf("hello: %w", err)
	}

	identify := map[string]any{"rpcVersion": 1}
	if hello.Authentication != nil {
		if c.password == "" {
			conn.Close(websocket.StatusNormalClosure, "no credentials")
			return nil, errors.New("obs requires authentication but no password is configured")
		}
		identify["authentication"] = authResponse(c.password,
			hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := writeEnvelope(ctx, conn, opIdentify, identify); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, fmt.Errorf("identify: %w", err)
	}

	if err := readEnvelope(ctx, conn, opIdentified, &struct{}{}); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, fmt.Errorf("identified: %w", err)
	}

	return conn, nil
}

// authResponse computes the v5 challenge response:
// base64(sha256(base64(sha256(password + salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// request issues one request and decodes its response data into out.
func (c *Client) request(ctx context.Context, conn *websocket.Conn, requestType string, data map[string]any, out any) error {
	id := uuid.NewString()
	req := map[string]any{
		"requestType": requestType,
		"requestId":   id,
	}
	if data != nil {
		req["requestData"] = data
	}
	if err := writeEnvelope(ctx, conn, opRequest, req); err != nil {
		return fmt.Errorf("%s: %w", requestType, err)
	}

	// OBS may interleave event messages; skip anything that is not our
	// response.
	for {
		var resp requestResponseData
		op, raw, err := readAny(ctx, conn)
		if err != nil {
			return fmt.Errorf("%s: %w", requestType, err)
		}
		if op != opRequestResponse {
			continue
		}
		if err := sonic.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("%s: decode response: %w", requestType, err)
		}
		if resp.RequestID != id {
			continue
		}
		if !resp.RequestStatus.Result {
			return fmt.Errorf("%s: %w: code %d: %s", requestType, ErrRequestFailed,
				resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := sonic.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("%s: decode response data: %w", requestType, err)
			}
		}
		return nil
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, op int, data any) error {
	payload, err := sonic.Marshal(map[string]any{"op": op, "d": data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// readAny reads the next message and returns its opcode and raw data field.
func readAny(ctx context.Context, conn *websocket.Conn) (int, []byte, error) {
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	var env envelope
	if err := sonic.Unmarshal(msg, &env); err != nil {
		return 0, nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Op, env.D, nil
}

// readEnvelope reads the next message and requires it to carry wantOp.
func readEnvelope(ctx context.Context, conn *websocket.Conn, wantOp int, out any) error {
	op, raw, err := readAny(ctx, conn)
	if err != nil {
		return err
	}
	if op != wantOp {
		return fmt.Errorf("unexpected opcode %d, want %d", op, wantOp)
	}
	if out != nil {
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode op %d data: %w", op, err)
		}
	}
	return nil
}
