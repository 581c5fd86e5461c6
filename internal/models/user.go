package models

import "time"

type User struct {
	ID          int        `json:"id" example:"1"`
	Email       string     `json:"email" example:"user@example.com"`
	FirstName   string     `json:"firstName" example:"Adilson"`
	LastName    string     `json:"lastName" example:"Domingos"`
	PhoneNumber string     `json:"phoneNumber" example:"+244923000000"`
	Active      bool       `json:"active"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
