package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/mqtt"
	"github.com/flybeeper/segment-pipeline/pkg/utils"
)

var publishFlags struct {
	source      string
	vessels     int
	rate        time.Duration
	maxMessages int
	seed        int64
	lat         float64
	lon         float64
	knots       float64
	gapChance   float64
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish simulated vessel position reports for testing ingest",
	Args:  cobra.NoArgs,
	RunE:  runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishFlags.source, "source", "sim", "source segment of the topic ais/{source}/positions")
	f.IntVar(&publishFlags.vessels, "vessels", 5, "number of simulated vessels")
	f.DurationVar(&publishFlags.rate, "rate", 2*time.Second, "publish interval")
	f.IntVar(&publishFlags.maxMessages, "max", 0, "stop after this many reports (0 = unlimited)")
	f.Int64Var(&publishFlags.seed, "seed", time.Now().UnixNano(), "random seed")
	f.Float64Var(&publishFlags.lat, "lat", 54.3, "start latitude")
	f.Float64Var(&publishFlags.lon, "lon", 10.1, "start longitude")
	f.Float64Var(&publishFlags.knots, "speed", 12, "vessel speed, knots")
	f.Float64Var(&publishFlags.gapChance, "gap-chance", 0.01, "probability that a vessel jumps one day ahead")
	rootCmd.AddCommand(publishCmd)
}

// simVessel состояние симулированного судна
type simVessel struct {
	ssvid    string
	shipname string
	callsign string
	lat      float64
	lon      float64
	course   float64
	// clock время последнего отчета, может уходить вперед при имитации разрыва
	clock time.Time
}

// positionReport JSON отчет в формате, который принимает ingest
type positionReport struct {
	SSVID     string  `json:"ssvid"`
	Timestamp string  `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed"`
	Course    float64 `json:"course"`
	Shipname  string  `json:"shipname"`
	Callsign  string  `json:"callsign"`
}

// vesselSimulator генерирует движение судов
type vesselSimulator struct {
	rng       *rand.Rand
	vessels   []*simVessel
	knots     float64
	gapChance float64
}

func newVesselSimulator(seed int64, n int, lat, lon, knots, gapChance float64, now time.Time) *vesselSimulator {
	rng := rand.New(rand.NewSource(seed))
	vessels := make([]*simVessel, n)
	for i := range vessels {
		vessels[i] = &simVessel{
			ssvid:    fmt.Sprintf("%d", 211000000+rng.Intn(1000000)),
			shipname: fmt.Sprintf("Sim Vessel %d", i+1),
			callsign: fmt.Sprintf("DS%04d", rng.Intn(10000)),
			lat:      lat + rng.Float64()*0.5 - 0.25,
			lon:      lon + rng.Float64()*0.5 - 0.25,
			course:   float64(rng.Intn(360)),
			clock:    now,
		}
	}
	return &vesselSimulator{rng: rng, vessels: vessels, knots: knots, gapChance: gapChance}
}

// step сдвигает все суда на dt и возвращает их отчеты
func (s *vesselSimulator) step(dt time.Duration) []positionReport {
	reports := make([]positionReport, 0, len(s.vessels))
	for _, v := range s.vessels {
		v.clock = v.clock.Add(dt)
		if s.rng.Float64() < s.gapChance {
			v.clock = v.clock.Add(24 * time.Hour)
		}

		distNM := s.knots * dt.Hours()
		rad := v.course * math.Pi / 180
		v.lat += distNM / 60 * math.Cos(rad)
		v.lon += distNM / 60 * math.Sin(rad) / math.Cos(v.lat*math.Pi/180)
		v.lat = math.Max(-89, math.Min(89, v.lat))
		if v.lon > 180 {
			v.lon -= 360
		} else if v.lon < -180 {
			v.lon += 360
		}

		if s.rng.Float64() < 0.1 {
			v.course = math.Mod(v.course+float64(s.rng.Intn(60)-30)+360, 360)
		}

		reports = append(reports, positionReport{
			SSVID:     v.ssvid,
			Timestamp: v.clock.UTC().Format(time.RFC3339Nano),
			Lat:       v.lat,
			Lon:       v.lon,
			Speed:     s.knots,
			Course:    v.course,
			Shipname:  v.shipname,
			Callsign:  v.callsign,
		})
	}
	return reports
}

func runPublish(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if publishFlags.vessels <= 0 {
		return fmt.Errorf("--vessels must be positive")
	}
	if publishFlags.rate <= 0 {
		return fmt.Errorf("--rate must be positive")
	}

	mqttCfg := cfg.MQTT
	mqttCfg.ClientID += "-publisher"
	client, err := mqtt.NewClient(&mqttCfg, logger, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	topic := fmt.Sprintf("ais/%s/positions", publishFlags.source)
	sim := newVesselSimulator(publishFlags.seed, publishFlags.vessels, publishFlags.lat, publishFlags.lon,
		publishFlags.knots, publishFlags.gapChance, time.Now())

	published, err := publishLoop(ctx, client, topic, sim, logger)
	logger.WithFields(map[string]interface{}{
		"topic":     topic,
		"published": published,
	}).Info("Publisher stopped")
	return err
}

func publishLoop(ctx context.Context, client *mqtt.Client, topic string, sim *vesselSimulator, logger *utils.Logger) (int, error) {
	ticker := time.NewTicker(publishFlags.rate)
	defer ticker.Stop()

	published := 0
	for {
		select {
		case <-ctx.Done():
			return published, nil
		case <-ticker.C:
		}

		reports := sim.step(publishFlags.rate)
		if publishFlags.maxMessages > 0 {
			reports = reports[:min(len(reports), publishFlags.maxMessages-published)]
		}
		payload, err := json.Marshal(reports)
		if err != nil {
			return published, err
		}
		if err := client.Publish(ctx, topic, payload); err != nil {
			logger.WithError(err).Warn("Failed to publish reports")
			continue
		}
		published += len(reports)

		if publishFlags.maxMessages > 0 && published >= publishFlags.maxMessages {
			return published, nil
		}
	}
}
