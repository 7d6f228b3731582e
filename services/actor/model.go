package actor

import (
	"time"
)

type Role string

const (
	RoleCollector Role = "collector"
	RoleVendor    Role = "vendor"
	RoleFactory   Role = "factory"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCollector, RoleVendor, RoleFactory, RoleAdmin:
		return true
	default:
		return false
	}
}

// Actor is a verified identity snapshot written by the external KYC service.
// The engine only reads it: role and verification are established upstream.
type Actor struct {
	ID              string    `gorm:"column:id;primaryKey"`
	Role            Role      `gorm:"column:role;type:varchar(20);index;not null"`
	DisplayName     string    `gorm:"column:display_name"`
	Verified        bool      `gorm:"column:verified;index"`
	Region          string    `gorm:"column:region;index"`
	CentroidLat     float64   `gorm:"column:centroid_lat"`
	CentroidLng     float64   `gorm:"column:centroid_lng"`
	ServiceRadiusKm float64   `gorm:"column:service_radius_km"`
	Contact         string    `gorm:"column:contact"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (Actor) TableName() string { return "actors" }
