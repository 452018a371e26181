// README: Common identifier and coordinate value objects used across modules.
package types

// ID identifies a user (requester or runner) or a task.
type ID string

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
