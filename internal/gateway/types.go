// Package gateway is the client for the messaging platform the bot lives on:
// conversation and user lookups, posting and updating text items, fetching
// attachments, and the realtime event stream.
package gateway

const (
	ItemTypeText = "TEXT"

	EventItemAdded           = "itemAdded"
	EventConversationUpdated = "conversationUpdated"
)

type Attachment struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

type Item struct {
	ItemID       string       `json:"itemId"`
	ConvID       string       `json:"convId"`
	ParentItemID string       `json:"parentItemId,omitempty"`
	CreatorID    string       `json:"creatorId"`
	Type         string       `json:"type"`
	Text         string       `json:"text,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// ThreadID is the item a reply to this item should hang off.
func (i Item) ThreadID() string {
	if i.ParentItemID != "" {
		return i.ParentItemID
	}
	return i.ItemID
}

type Conversation struct {
	ConvID       string   `json:"convId"`
	Participants []string `json:"participants"`
}

type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	FirstName   string `json:"firstName"`
}

// Name is the display name, or the first name when none is set.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.FirstName
}

// File is an attachment to upload with a text item.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// TextItem describes a message to post (ConvID/ParentID) or to update (ItemID).
type TextItem struct {
	ItemID      string
	ParentID    string
	Content     string
	Attachments []File
}

type Event struct {
	Type         string        `json:"type"`
	Item         *Item         `json:"item,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}
