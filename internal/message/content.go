package message

// ContentType is the integer code of a content row kind.
type ContentType int

const (
	ContentRaw                 ContentType = 1
	ContentProcessedRaw        ContentType = 2
	ContentTransformed         ContentType = 3
	ContentEncoded             ContentType = 4
	ContentSent                ContentType = 5
	ContentResponse            ContentType = 6
	ContentResponseTransformed ContentType = 7
	ContentProcessedResponse   ContentType = 8
	ContentConnectorMap        ContentType = 9
	ContentChannelMap          ContentType = 10
	ContentResponseMap         ContentType = 11
	ContentProcessingError     ContentType = 12
	ContentPostprocessorError  ContentType = 13
	ContentResponseError       ContentType = 14
	ContentSourceMap           ContentType = 15
)

// IsMap reports whether the content kind is a serialized key/value map used
// by routing and scripts.
func (c ContentType) IsMap() bool {
	switch c {
	case ContentConnectorMap, ContentChannelMap, ContentResponseMap, ContentSourceMap:
		return true
	}
	return false
}

// Content is one stored content row. PROCESSING_ERROR content is surfaced as
// a plain string; all other kinds carry a data-type label that influences
// downstream transforms.
type Content struct {
	MessageID   int64       `db:"message_id" json:"messageId"`
	MetadataID  int         `db:"metadata_id" json:"metadataId"`
	ContentType ContentType `db:"content_type" json:"contentType"`
	Content     string      `db:"content" json:"content"`
	DataType    string      `db:"data_type" json:"dataType"`
	Encrypted   bool        `db:"encrypted" json:"encrypted"`
}

// Snapshot is a possibly-truncated view of a content row handed to API
// callers.
type Snapshot struct {
	MetadataID  int         `json:"metadataId"`
	ContentType ContentType `json:"contentType"`
	Content     string      `json:"content"`
	DataType    string      `json:"dataType"`
	Truncated   bool        `json:"truncated"`
	FullLength  int         `json:"fullLength"`
}

// Truncate converts a content row into a snapshot bounded by maxLen bytes.
// maxLen <= 0 means no bound.
func (c Content) Truncate(maxLen int) Snapshot {
	s := Snapshot{
		MetadataID:  c.MetadataID,
		ContentType: c.ContentType,
		Content:     c.Content,
		DataType:    c.DataType,
		FullLength:  len(c.Content),
	}
	if maxLen > 0 && len(c.Content) > maxLen {
		s.Content = c.Content[:maxLen]
		s.Truncated = true
	}
	return s
}
