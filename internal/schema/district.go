package schema

// Division is a leaf reporting unit within a district.
type Division struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// District groups the polling divisions of one electoral district. Catalog
// entries are immutable after load.
type District struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Divisions []Division `json:"divisions"`
}
