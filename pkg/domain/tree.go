package domain

import "time"

// NodePayload carries the caller-visible fields of a tree node. The tree
// algorithms treat it as opaque; only the serializer reads individual fields.
type NodePayload struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	VideoLink     string `json:"video_link,omitempty"`
	VideoName     string `json:"video_name,omitempty"`
	VideoDuration string `json:"video_duration,omitempty"`
}

// TreeNode is one node of a forest. The path encodes the full ancestry; the
// depth is stored redundantly for query convenience and always equals
// Path.Depth().
type TreeNode struct {
	ID        string      `json:"id"`
	ForestID  string      `json:"forest_id"`
	Path      Path        `json:"path"`
	Depth     int         `json:"depth"`
	Payload   NodePayload `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Forest groups nodes sharing one path-uniqueness namespace. The owner
// reference is opaque to the tree core.
type Forest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerRef  string    `json:"owner_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
