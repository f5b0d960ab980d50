package models

import "fmt"

// Category identifies one kind of real-time transit data handled by the hub.
type Category string

const (
	CategorySituationExchange  Category = "SX"
	CategoryVehicleMonitoring  Category = "VM"
	CategoryEstimatedTimetable Category = "ET"
	CategoryStopMonitoring     Category = "SM"
	CategoryGeneralMessage     Category = "GM"
	CategoryFacilityMonitoring Category = "FM"
)

// AllCategories lists every category the hub consolidates, in a stable order.
var AllCategories = []Category{
	CategorySituationExchange,
	CategoryVehicleMonitoring,
	CategoryEstimatedTimetable,
	CategoryStopMonitoring,
	CategoryGeneralMessage,
	CategoryFacilityMonitoring,
}

func ParseCategory(s string) (Category, error) {
	c := Category(s)
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category '%s'", s)
}

func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}
