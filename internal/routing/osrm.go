package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/simfleet/internal/geo"
)

type OSRMConfig struct {
	Host          string
	MaxTries      uint
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// OSRMClient queries the route service of an OSRM server.
type OSRMClient struct {
	cfg    OSRMConfig
	host   string
	http   *http.Client
	logger *log.Logger
}

func NewOSRMClient(cfg OSRMConfig) *OSRMClient {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: 15 * time.Second,
		}
	}
	host := cfg.Host
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	return &OSRMClient{
		cfg:    cfg,
		host:   host,
		http:   cfg.HTTPClient,
		logger: log.New(os.Stdout, "simfleet ", log.LstdFlags),
	}
}

func formatDegrees(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// URL builds the route request. OSRM takes lon,lat pairs.
func (c *OSRMClient) URL(origin, destination geo.Coordinate) string {
	return fmt.Sprintf("%sroute/v1/car/%s,%s;%s,%s?geometries=geojson&overview=full",
		c.host,
		formatDegrees(origin.Lon()), formatDegrees(origin.Lat()),
		formatDegrees(destination.Lon()), formatDegrees(destination.Lat()),
	)
}

// Route fetches the first route between two points. Connection failures
// are retried; HTTP and decoding failures are not.
func (c *OSRMClient) Route(ctx context.Context, origin, destination geo.Coordinate) (Entry, error) {
	ctx, span := otel.Tracer("simfleet/routing").Start(ctx, "osrm.route")
	defer span.End()

	url := c.URL(origin, destination)
	span.SetAttributes(attribute.String("osrm.url", url))

	blob, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.fetch(ctx, url)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryInterval)),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Printf("osrm connect failed url=%s retry_in=%s err=%v", url, next, err)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Entry{}, err
	}
	e, err := ParseRoute(blob, destination)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return Entry{}, err
	}
	span.SetAttributes(
		attribute.Int("osrm.points", len(e.Path)),
		attribute.Float64("osrm.distance", e.Distance),
	)
	return e, nil
}

func (c *OSRMClient) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("GET %s failed status=%d body=%s", url, resp.StatusCode, string(blob)))
	}
	return blob, nil
}

// ParseRoute reads routes[0] of an OSRM reply, swapping [lon,lat] points
// back to [lat,lon] and appending destination when the geometry stops
// short of it.
func ParseRoute(blob []byte, destination geo.Coordinate) (Entry, error) {
	if !gjson.ValidBytes(blob) {
		return Entry{}, errors.New("osrm reply is not valid json")
	}
	route := gjson.GetBytes(blob, "routes.0")
	if !route.Exists() {
		code := gjson.GetBytes(blob, "code").String()
		return Entry{}, fmt.Errorf("osrm reply has no route code=%s", code)
	}
	coords := route.Get("geometry.coordinates")
	if !coords.IsArray() {
		return Entry{}, errors.New("osrm route has no geometry")
	}
	var path []geo.Coordinate
	for _, point := range coords.Array() {
		pair := point.Array()
		if len(pair) < 2 {
			return Entry{}, fmt.Errorf("osrm point malformed: %s", point.Raw)
		}
		path = append(path, geo.New(pair[1].Float(), pair[0].Float()))
	}
	if len(path) == 0 || path[len(path)-1] != destination {
		path = append(path, destination)
	}
	return Entry{
		Path:     path,
		Distance: route.Get("distance").Float(),
		Duration: route.Get("duration").Float(),
	}, nil
}
