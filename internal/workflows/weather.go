package workflows

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/workflow"
)

const nwsBaseURL = "https://api.weather.gov"

// nwsHeaders are sent on every National Weather Service request.
var nwsHeaders = map[string]string{
	"User-Agent": "weather-app/1.0",
	"Accept":     "application/geo+json",
}

// forecastPause is the durable sleep between the points lookup and the forecast fetch.
var forecastPause = 10 * time.Second

const nwsTimeout = 40 * time.Second

// AlertsInput is the start input of GetAlerts.
type AlertsInput struct {
	State string `json:"state"`
}

type alertsResponse struct {
	Features *[]struct {
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

// GetAlerts fetches the active alerts of a state and formats them as text.
func GetAlerts(ctx *workflow.Context, input json.RawMessage) (any, error) {
	var in AlertsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/alerts/active/area/%s", nwsBaseURL, strings.ToUpper(in.State))

	var data alertsResponse
	if err := nwsGet(ctx, url, &data); err != nil {
		return nil, err
	}
	if data.Features == nil {
		return "Unable to fetch alerts or no alerts found.", nil
	}
	if len(*data.Features) == 0 {
		return "No active alerts for this state.", nil
	}
	alerts := make([]string, 0, len(*data.Features))
	for _, f := range *data.Features {
		alerts = append(alerts, formatAlert(f.Properties))
	}
	return strings.Join(alerts, "\n---\n"), nil
}

func formatAlert(props map[string]any) string {
	get := func(key, fallback string) string {
		if v, ok := props[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return fallback
	}
	return fmt.Sprintf("\nEvent: %s\nArea: %s\nSeverity: %s\nDescription: %s\nInstructions: %s\n",
		get("event", "Unknown"),
		get("areaDesc", "Unknown"),
		get("severity", "Unknown"),
		get("description", "No description available"),
		get("instruction", "No specific instructions provided"),
	)
}

// ForecastInput is the start input of GetForecast.
type ForecastInput struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastPeriod struct {
	Name             string `json:"name"`
	Temperature      any    `json:"temperature"`
	TemperatureUnit  string `json:"temperatureUnit"`
	WindSpeed        string `json:"windSpeed"`
	WindDirection    string `json:"windDirection"`
	DetailedForecast string `json:"detailedForecast"`
}

type forecastResponse struct {
	Properties struct {
		Periods []forecastPeriod `json:"periods"`
	} `json:"properties"`
}

// GetForecast resolves the forecast endpoint of a location, pauses, then
// formats the next five forecast periods.
func GetForecast(ctx *workflow.Context, input json.RawMessage) (any, error) {
	var in ForecastInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	var points pointsResponse
	if err := nwsGet(ctx, fmt.Sprintf("%s/points/%v,%v", nwsBaseURL, in.Latitude, in.Longitude), &points); err != nil {
		return nil, err
	}
	if points.Properties.Forecast == "" {
		return "Unable to fetch forecast data for this location.", nil
	}

	if err := ctx.Sleep(forecastPause); err != nil {
		return nil, err
	}

	var forecast forecastResponse
	if err := nwsGet(ctx, points.Properties.Forecast, &forecast); err != nil {
		return nil, err
	}
	periods := forecast.Properties.Periods
	if len(periods) == 0 {
		return "Unable to fetch detailed forecast.", nil
	}
	if len(periods) > 5 {
		periods = periods[:5]
	}
	out := make([]string, 0, len(periods))
	for _, p := range periods {
		out = append(out, formatPeriod(p))
	}
	return strings.Join(out, "\n---\n"), nil
}

func formatPeriod(p forecastPeriod) string {
	return fmt.Sprintf("\n    %s:\n    Temperature: %v°%s\n    Wind: %s %s\n    Forecast: %s\n    ",
		p.Name, p.Temperature, p.TemperatureUnit, p.WindSpeed, p.WindDirection, p.DetailedForecast)
}

func nwsGet(ctx *workflow.Context, url string, v any) error {
	return ctx.ExecuteActivity("http.get_json", activities.GetJSONInput{URL: url, Headers: nwsHeaders}, activityOptions(nwsTimeout)).Get(v)
}
