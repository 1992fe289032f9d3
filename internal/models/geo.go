package models

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
)

const (
	earthRadiusKM = 6371.0
	earthRadiusNM = 3440.065

	// LastGeohashPrecision точность geohash последней позиции сегмента (~150 м)
	LastGeohashPrecision = 7
)

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return fmt.Errorf("coordinates contain NaN values")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// DistanceTo вычисляет расстояние по большому кругу в километрах
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	return p.angleTo(other) * earthRadiusKM
}

// DistanceNM вычисляет расстояние по большому кругу в морских милях
func (p GeoPoint) DistanceNM(other GeoPoint) float64 {
	return p.angleTo(other) * earthRadiusNM
}

func (p GeoPoint) angleTo(other GeoPoint) float64 {
	a := s2.LatLngFromDegrees(p.Latitude, p.Longitude)
	b := s2.LatLngFromDegrees(other.Latitude, other.Longitude)
	return a.Distance(b).Radians()
}

// Geohash возвращает geohash для точки с заданной точностью
func (p GeoPoint) Geohash(precision int) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}

// PositionFix позиция с временем ее получения
type PositionFix struct {
	GeoPoint
	Timestamp time.Time `json:"timestamp"`
}
