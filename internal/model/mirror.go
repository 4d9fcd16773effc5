package model

import (
	"errors"
	"strconv"
	"time"
)

// ErrStaleWrite возвращается документным хранилищем, если в зеркале уже лежит документ более новой версии поездки.
var ErrStaleWrite = errors.New("stale mirror write")

// DriverSummary - денормализованные данные водителя в документе поездки.
type DriverSummary struct {
	DocumentID   string  `bson:"document_id" json:"document_id"`
	RelationalID int64   `bson:"relational_id" json:"relational_id"`
	DisplayName  string  `bson:"display_name" json:"display_name"`
	Rating       float64 `bson:"rating" json:"rating"`
}

// VehicleSummary - денормализованные данные автомобиля в документе поездки.
type VehicleSummary struct {
	DocumentID   string `bson:"document_id" json:"document_id"`
	RelationalID int64  `bson:"relational_id" json:"relational_id"`
	Brand        string `bson:"brand" json:"brand"`
	Model        string `bson:"model" json:"model"`
	Color        string `bson:"color" json:"color"`
	Energy       string `bson:"energy" json:"energy"`
	Seats        int    `bson:"seats" json:"seats"`
}

// RideMirrorDocument - проекция поездки для поиска. Ключ документа - реляционный идентификатор поездки.
type RideMirrorDocument struct {
	RideID             int64          `bson:"_id" json:"ride_id"`
	Status             RideStatus     `bson:"status" json:"status"`
	Bookable           bool           `bson:"bookable" json:"bookable"`
	DepartureCity      string         `bson:"departure_city" json:"departure_city"`
	ArrivalCity        string         `bson:"arrival_city" json:"arrival_city"`
	DepartureAt        time.Time      `bson:"departure_at" json:"departure_datetime"`
	PricePerSeat       int64          `bson:"price_per_seat" json:"price_per_seat"`
	PlatformCommission int64          `bson:"platform_commission" json:"platform_commission"`
	TotalSeats         int            `bson:"total_seats" json:"total_seats"`
	AvailableSeats     int            `bson:"available_seats" json:"available_seats"`
	Driver             DriverSummary  `bson:"driver" json:"driver"`
	Vehicle            VehicleSummary `bson:"vehicle" json:"vehicle"`
	SourceRideVersion  int64          `bson:"source_ride_version" json:"source_ride_version"`
	SourceMarker       string         `bson:"source_marker" json:"source_marker"`
	SourceUpdatedAt    time.Time      `bson:"source_updated_at" json:"source_updated_at"`
}

// RideDocumentID возвращает идентификатор документа поездки в зеркале.
func RideDocumentID(rideID int64) string {
	return strconv.FormatInt(rideID, 10)
}
