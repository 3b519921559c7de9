package exchange

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/models"
)

var gzipMagic = []byte{0x1f, 0x8b}

// UpstoxInstruments loads the instrument catalog from a URL or a local file
type UpstoxInstruments struct {
	location   string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewUpstoxInstruments creates an instrument source. location is an http(s) URL,
// a file:// URL or a plain filesystem path.
func NewUpstoxInstruments(location, userAgent string, timeout time.Duration, logger *slog.Logger) *UpstoxInstruments {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstoxInstruments{
		location:   location,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "instruments"),
	}
}

// Instruments implements InstrumentSource
func (u *UpstoxInstruments) Instruments(ctx context.Context) ([]models.Instrument, error) {
	u.logger.InfoContext(ctx, "Downloading instrument master", "location", u.location)

	body, err := u.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	reader, err := decompress(body)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeMalformedResponse, "instruments", "decompress", err)
	}

	var all []models.Instrument
	if err := json.NewDecoder(reader).DecodeContext(ctx, &all); err != nil {
		return nil, errs.New(errs.ErrorTypeMalformedResponse, "instruments", "decode", err)
	}

	equities := models.FilterEquities(all)
	u.logger.InfoContext(ctx, "Instrument master parsed",
		"parsed", len(all),
		"equities", len(equities))

	return equities, nil
}

func (u *UpstoxInstruments) open(ctx context.Context) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(u.location, "http://"), strings.HasPrefix(u.location, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.location, nil)
		if err != nil {
			return nil, errs.New(errs.ErrorTypeConfiguration, "instruments", "build_request", err)
		}
		if u.userAgent != "" {
			req.Header.Set("User-Agent", u.userAgent)
		}

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, errs.New(errs.ErrorTypeTransientNetwork, "instruments", "download", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, errs.Newf(errs.ErrorTypeTransientNetwork, "instruments", "download",
				"unexpected status %d from %s", resp.StatusCode, u.location)
		}
		return resp.Body, nil

	default:
		path := strings.TrimPrefix(u.location, "file://")
		f, err := os.Open(path)
		if err != nil {
			return nil, errs.New(errs.ErrorTypeConfiguration, "instruments", "open",
				fmt.Errorf("open instrument file: %w", err))
		}
		return f, nil
	}
}

// decompress transparently gunzips r when it starts with the gzip magic bytes
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if !bytes.Equal(head, gzipMagic) {
		return br, nil
	}
	return gzip.NewReader(br)
}
