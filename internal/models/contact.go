package models

// Contact is a directory entry used to fill the recipient fields of a transfer.
// It is free-form display data, never a reference to a funded account.
type Contact struct {
	ID       string `json:"id" bson:"_id"`
	Name     string `json:"name" bson:"name"`
	PhotoURL string `json:"photoUrl" bson:"photo_url"`
}

// ContactsResponse wraps the list returned by GET /contacts.
type ContactsResponse struct {
	Contacts []Contact `json:"contacts"`
}
