package pipeline

// Envelope is the validated inbound message handed over by the transport
// collaborator (SMTP receiver or upload endpoint). It is archived verbatim in
// the object store; processing reads it back from there, so a crashed run can
// always resume from the archived copy.
type Envelope struct {
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one file carried by an envelope. Content is raw bytes,
// base64-encoded in the JSON rendition.
type Attachment struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime,omitempty"`
	Content  []byte `json:"content"`
}
