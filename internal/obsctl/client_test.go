package obsctl

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeOBS is a scripted obs-websocket v5 server for handshake and request
// round trips.
type fakeOBS struct {
	password  string
	sceneName string
	imageData string

	// failScreenshot makes GetSourceScreenshot return a request error.
	failScreenshot bool
}

func (f *fakeOBS) serve(t *testing.T, conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hello.
	hello := map[string]any{"rpcVersion": 1}
	var wantAuth string
	if f.password != "" {
		salt, challenge := "somesalt", "somechallenge"
		secret := sha256.Sum256([]byte(f.password + salt))
		secretB64 := base64.StdEncoding.EncodeToString(secret[:])
		sum := sha256.Sum256([]byte(secretB64 + challenge))
		wantAuth = base64.StdEncoding.EncodeToString(sum[:])
		hello["authentication"] = map[string]string{"salt": salt, "challenge": challenge}
	}
	f.write(t, ctx, conn, 0, hello)

	// Identify.
	var identify struct {
		RPCVersion     int    `json:"rpcVersion"`
		Authentication string `json:"authentication"`
	}
	if op := f.read(t, ctx, conn, &identify); op != 1 {
		t.Errorf("expected Identify (op 1), got op %d", op)
		return
	}
	if f.password != "" && identify.Authentication != wantAuth {
		t.Errorf("auth response = %q, want %q", identify.Authentication, wantAuth)
		f.write(t, ctx, conn, 2, map[string]any{})
		return
	}
	f.write(t, ctx, conn, 2, map[string]any{"negotiatedRpcVersion": 1})

	// Requests.
	for {
		var req struct {
			RequestType string         `json:"requestType"`
			RequestID   string         `json:"requestId"`
			RequestData map[string]any `json:"requestData"`
		}
		op := f.read(t, ctx, conn, &req)
		if op < 0 {
			return
		}
		if op != 6 {
			continue
		}

		status := map[string]any{"result": true, "code": 100}
		var data map[string]any
		switch req.RequestType {
		case "GetCurrentProgramScene":
			data = map[string]any{"sceneName": f.sceneName}
		case "GetSourceScreenshot":
			if f.failScreenshot {
				status = map[string]any{"result": false, "code": 600, "comment": "no such source"}
			} else {
				if got := req.RequestData["sourceName"]; got != f.sceneName {
					t.Errorf("screenshot sourceName = %v, want %q", got, f.sceneName)
				}
				if got := req.RequestData["imageFormat"]; got != "jpg" {
					t.Errorf("imageFormat = %v, want jpg", got)
				}
				data = map[string]any{"imageData": f.imageData}
			}
		default:
			status = map[string]any{"result": false, "code": 204, "comment": "unknown request"}
		}
		f.write(t, ctx, conn, 7, map[string]any{
			"requestType":   req.RequestType,
			"requestId":     req.RequestID,
			"requestStatus": status,
			"responseData":  data,
		})
	}
}

func (f *fakeOBS) write(t *testing.T, ctx context.Context, conn *websocket.Conn, op int, d any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Logf("fake obs write: %v (may be expected on close)", err)
	}
}

// read returns the opcode of the next message, or -1 once the connection
// closes.
func (f *fakeOBS) read(t *testing.T, ctx context.Context, conn *websocket.Conn, out any) int {
	t.Helper()
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return -1
	}
	var env struct {
		Op int             `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("fake obs: bad envelope: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(env.D, out); err != nil {
			t.Fatalf("fake obs: bad data: %v", err)
		}
	}
	return env.Op
}

func startFakeOBS(t *testing.T, f *fakeOBS) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		f.serve(t, conn)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	h, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	pn, _ := strconv.Atoi(p)
	return h, pn
}

func TestCaptureProgramScene(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}
	fake := &fakeOBS{
		sceneName: "Game Scene",
		imageData: "data:image/jpg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	}
	host, port := startFakeOBS(t, fake)

	c := New(host, port, "")
	got, err := c.CaptureProgramScene(context.Background())
	if err != nil {
		t.Fatalf("CaptureProgramScene: %v", err)
	}
	if string(got) != string(jpeg) {
		t.Errorf("screenshot bytes = %x, want %x", got, jpeg)
	}
}

func TestCaptureWithAuthentication(t *testing.T) {
	t.Parallel()

	fake := &fakeOBS{
		password:  "hunter2",
		sceneName: "Main",
		imageData: base64.StdEncoding.EncodeToString([]byte("img")),
	}
	host, port := startFakeOBS(t, fake)

	c := New(host, port, "hunter2")
	got, err := c.CaptureProgramScene(context.Background())
	if err != nil {
		t.Fatalf("CaptureProgramScene: %v", err)
	}
	if string(got) != "img" {
		t.Errorf("screenshot bytes = %q", got)
	}
}

func TestAuthRequiredButNoPassword(t *testing.T) {
	t.Parallel()

	fake := &fakeOBS{password: "secret", sceneName: "Main"}
	host, port := startFakeOBS(t, fake)

	c := New(host, port, "")
	if _, err := c.CaptureProgramScene(context.Background()); err == nil {
		t.Fatal("expected error when OBS requires auth and no password is set")
	}
}

func TestScreenshotRequestFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeOBS{sceneName: "Main", failScreenshot: true}
	host, port := startFakeOBS(t, fake)

	c := New(host, port, "")
	_, err := c.CaptureProgramScene(context.Background())
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrRequestFailed", err)
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	// A port nothing listens on.
	c := New("127.0.0.1", 1, "", WithTimeout(500*time.Millisecond))
	if _, err := c.CaptureProgramScene(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDecodeImageData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare base64", in: base64.StdEncoding.EncodeToString([]byte("ab")), want: "ab"},
		{name: "data URI", in: "data:image/jpg;base64," + base64.StdEncoding.EncodeToString([]byte("cd")), want: "cd"},
		{name: "malformed data URI", in: "data:image/jpg;base64", wantErr: true},
		{name: "invalid base64", in: "!!!!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeImageData(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeImageData: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("decoded = %q, want %q", got, tt.want)
			}
		})
	}
}
