package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/decode"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/storage"
)

// DefaultWeatherPollInterval is used when the weather config omits one.
const DefaultWeatherPollInterval = 900 * time.Second

const (
	inHgToHPa  = 33.8639
	ktToMPerS  = 0.514444
	inToMM     = 25.4
)

// metarReport mirrors the subset of a METAR JSON feed's fields this
// producer consumes.
type metarReport struct {
	TempC      *float64 `json:"temp"`
	DewpointC  *float64 `json:"dewp"`
	AltimHPa   *float64 `json:"altim"`
	WindSpdKt  *float64 `json:"wspd"`
	WindDirDeg *float64 `json:"wdir"`
	PrecipIn   *float64 `json:"precip"`
}

// WeatherProducer polls a METAR JSON endpoint for one ICAO station. Unlike
// the CAN and soil producers it writes only to the time-series store: no
// live keys, no event log entry, per §4.5.
type WeatherProducer struct {
	APIURL       string // e.g. "https://example/metar"
	Station      string // ICAO code
	PollInterval time.Duration
	HTTPClient   *http.Client
	DB           *storage.DB
	Log          *zap.Logger
	Metrics      *observability.Metrics
}

// Run polls once per PollInterval until ctx is cancelled.
func (p *WeatherProducer) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultWeatherPollInterval
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx, client); err != nil {
				p.Log.Warn("weather poll failed", zap.Error(err), zap.String("station", p.Station))
				if p.Metrics != nil {
					p.Metrics.FramesDroppedTotal.WithLabelValues("weather").Inc()
				}
			} else if p.Metrics != nil {
				p.Metrics.FramesProcessedTotal.WithLabelValues("weather").Inc()
			}
		}
	}
}

func (p *WeatherProducer) pollOnce(ctx context.Context, client *http.Client) error {
	url := fmt.Sprintf("%s?ids=%s&format=json", p.APIURL, p.Station)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("weather: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("weather: fetch: %w", err)
	}
	defer resp.Body.Close()

	var reports []metarReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return fmt.Errorf("weather: parse: %w", err)
	}
	if len(reports) == 0 {
		return fmt.Errorf("weather: empty report for station %s", p.Station)
	}
	return p.store(reports[0])
}

func (p *WeatherProducer) store(r metarReport) error {
	now := time.Now()
	var rows []storage.MeasurementRow

	add := func(sensor string, v *float64) {
		if v == nil {
			return
		}
		rows = append(rows, storage.MeasurementRow{SensorID: sensor, Time: now, Value: *v, Status: "ok"})
	}

	add("weather_temp", r.TempC)
	add("weather_dewpoint", r.DewpointC)
	if r.TempC != nil && r.DewpointC != nil {
		rh := decode.RHFromDewpoint(*r.TempC, *r.DewpointC)
		rows = append(rows, storage.MeasurementRow{SensorID: "weather_rh", Time: now, Value: rh, Status: "ok"})
	}
	if r.AltimHPa != nil {
		rows = append(rows, storage.MeasurementRow{SensorID: "weather_pressure", Time: now, Value: *r.AltimHPa * inHgToHPa, Status: "ok"})
	}
	if r.WindSpdKt != nil {
		rows = append(rows, storage.MeasurementRow{SensorID: "weather_wind_speed", Time: now, Value: *r.WindSpdKt * ktToMPerS, Status: "ok"})
	}
	add("weather_wind_dir", r.WindDirDeg)
	if r.PrecipIn != nil {
		rows = append(rows, storage.MeasurementRow{SensorID: "weather_precip", Time: now, Value: *r.PrecipIn * inToMM, Status: "ok"})
	}

	if len(rows) == 0 {
		return nil
	}
	return p.DB.PutMeasurements(rows)
}
