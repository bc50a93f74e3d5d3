// Package deepgram provides a Deepgram-backed STT provider. Each unit is
// streamed over the Deepgram live WebSocket API and the final results are
// joined once the server has flushed and closed the stream.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/provider/stt"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultKeywordBoost = 2.0

	// chunkBytes is the size of each binary frame written to the socket.
	chunkBytes = 32 * 1024
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywordBoost sets the boost applied to every request hint.
func WithKeywordBoost(boost float64) Option {
	return func(p *Provider) {
		p.keywordBoost = boost
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and for
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Transcriber backed by the Deepgram live API.
type Provider struct {
	apiKey       string
	model        string
	language     string
	keywordBoost float64
	endpoint     string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		keywordBoost: defaultKeywordBoost,
		endpoint:     deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Transcriber. WAV units are unwrapped and sent as
// raw linear16 PCM; other containers are sent as-is and Deepgram detects the
// encoding itself.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	data, err := req.Load()
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}

	var pcmFormat *audio.Format
	if req.Container == "wav" {
		pcm, f, err := audio.DecodeWAV(data)
		if err != nil {
			return "", fmt.Errorf("deepgram: decode wav: %w", err)
		}
		data, pcmFormat = pcm, &f
	}

	wsURL, err := p.buildURL(req, pcmFormat)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	var parts []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writeAudio(gctx, conn, data) })
	g.Go(func() error {
		var err error
		parts, err = readFinals(gctx, conn)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("deepgram: %w", ctxErr)
		}
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// buildURL constructs the Deepgram endpoint URL for one request. pcm is nil
// for containerised audio.
func (p *Provider) buildURL(req stt.Request, pcm *audio.Format) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	if pcm != nil {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(pcm.SampleRate))
		q.Set("channels", strconv.Itoa(pcm.Channels))
	}

	for _, kw := range req.Hints {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, p.keywordBoost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeAudio sends data in binary frames and then asks Deepgram to flush
// and close the stream.
func writeAudio(ctx context.Context, conn *websocket.Conn, data []byte) error {
	for start := 0; start < len(data); start += chunkBytes {
		end := min(start+chunkBytes, len(data))
		if err := conn.Write(ctx, websocket.MessageBinary, data[start:end]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// readFinals collects final transcripts until the server closes the socket.
func readFinals(ctx context.Context, conn *websocket.Conn) ([]string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return parts, nil
			}
			return nil, fmt.Errorf("deepgram: read: %w", err)
		}

		r, ok := parseDeepgramResponse(msg)
		if !ok || !r.IsFinal {
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
		}
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results event.
type result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return result{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
