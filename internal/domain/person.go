// Package domain holds the types shared across the identification flow.
package domain

// Person is an identity returned by a successful recognition.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Valid reports whether p carries both an ID and a display name.
func (p Person) Valid() bool {
	return p.ID != "" && p.Name != ""
}
