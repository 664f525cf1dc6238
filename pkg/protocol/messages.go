package protocol

// Kind is the wire tag identifying a control message variant.
type Kind string

const (
	KindLoginRequest             Kind = "login_request"
	KindLoginSuccess             Kind = "login_success"
	KindLoginFailure             Kind = "login_failure"
	KindChatMessage              Kind = "chat_message"
	KindUserJoined               Kind = "user_joined"
	KindUserLeft                 Kind = "user_left"
	KindFileUploadMetadata       Kind = "file_upload_metadata"
	KindUploadReadyForBytes      Kind = "upload_ready_for_bytes"
	KindUploadConfirmation       Kind = "upload_confirmation"
	KindFileListRequest          Kind = "file_list_request"
	KindFileListResponse         Kind = "file_list_response"
	KindFileDownloadRequest      Kind = "file_download_request"
	KindFileDownloadInfoAndStart Kind = "file_download_info_and_start"
	KindFileDownloadSendingBytes Kind = "file_download_sending_bytes"
	KindFileDownloadError        Kind = "file_download_error"
	KindClientDisconnect         Kind = "client_disconnect"
	KindGeneralServerMessage     Kind = "general_server_message"
	KindUserListUpdate           Kind = "user_list_update"
)

// Message is one control message variant. Each variant carries only the
// fields meaningful to it; the sender travels in the Envelope.
type Message interface {
	Kind() Kind
}

// Envelope pairs a message with the identity of whoever sent it.
type Envelope struct {
	Sender  string
	Message Message
}

// ----- Login -----

type LoginRequest struct {
	Credentials string `json:"credentials"` // "user:pass"
}

type LoginSuccess struct {
	Text string `json:"text"`
}

type LoginFailure struct {
	Text string `json:"text"`
}

// ----- Chat and presence -----

type ChatMessage struct {
	Text string `json:"text"`
}

type UserJoined struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

type UserLeft struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

// UserListUpdate carries the roster. A roster too large for one frame is
// split; More is set on every part but the last.
type UserListUpdate struct {
	Usernames []string `json:"usernames"`
	More      bool     `json:"more,omitempty"`
}

// ----- Upload -----

// FileUploadMetadata announces that exactly Size raw bytes follow.
type FileUploadMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadReadyForBytes is advisory: senders need not wait for it.
type UploadReadyForBytes struct {
	Name string `json:"name"`
}

type UploadConfirmation struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Text    string `json:"text"`
}

// ----- Listing and download -----

type FileListRequest struct{}

// FileListResponse carries shared file names, split like UserListUpdate.
type FileListResponse struct {
	Names []string `json:"names"`
	More  bool     `json:"more,omitempty"`
}

type FileDownloadRequest struct {
	Name string `json:"name"`
}

type FileDownloadInfoAndStart struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileDownloadSendingBytes is immediately followed by the raw payload
// whose length was announced by the preceding FileDownloadInfoAndStart.
type FileDownloadSendingBytes struct {
	Name string `json:"name"`
}

type FileDownloadError struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ----- Generic -----

type ClientDisconnect struct {
	Text string `json:"text"`
}

type GeneralServerMessage struct {
	Text string `json:"text"`
}

// Unknown is a well-framed message whose tag is not recognized.
type Unknown struct {
	Tag Kind `json:"-"`
}

func (*LoginRequest) Kind() Kind             { return KindLoginRequest }
func (*LoginSuccess) Kind() Kind             { return KindLoginSuccess }
func (*LoginFailure) Kind() Kind             { return KindLoginFailure }
func (*ChatMessage) Kind() Kind              { return KindChatMessage }
func (*UserJoined) Kind() Kind               { return KindUserJoined }
func (*UserLeft) Kind() Kind                 { return KindUserLeft }
func (*UserListUpdate) Kind() Kind           { return KindUserListUpdate }
func (*FileUploadMetadata) Kind() Kind       { return KindFileUploadMetadata }
func (*UploadReadyForBytes) Kind() Kind      { return KindUploadReadyForBytes }
func (*UploadConfirmation) Kind() Kind       { return KindUploadConfirmation }
func (*FileListRequest) Kind() Kind          { return KindFileListRequest }
func (*FileListResponse) Kind() Kind         { return KindFileListResponse }
func (*FileDownloadRequest) Kind() Kind      { return KindFileDownloadRequest }
func (*FileDownloadInfoAndStart) Kind() Kind { return KindFileDownloadInfoAndStart }
func (*FileDownloadSendingBytes) Kind() Kind { return KindFileDownloadSendingBytes }
func (*FileDownloadError) Kind() Kind        { return KindFileDownloadError }
func (*ClientDisconnect) Kind() Kind         { return KindClientDisconnect }
func (*GeneralServerMessage) Kind() Kind     { return KindGeneralServerMessage }
func (u *Unknown) Kind() Kind                { return u.Tag }

type bodyDecoder func(c Codec, data []byte) (Message, error)

// decoderFor decodes the body of an encoded envelope into a fresh *T.
func decoderFor[T any, PT interface {
	*T
	Message
}]() bodyDecoder {
	return func(c Codec, data []byte) (Message, error) {
		var w struct {
			Body PT `json:"body"`
		}
		if err := c.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if w.Body == nil {
			w.Body = PT(new(T))
		}
		return w.Body, nil
	}
}

var decoders = map[Kind]bodyDecoder{
	KindLoginRequest:             decoderFor[LoginRequest](),
	KindLoginSuccess:             decoderFor[LoginSuccess](),
	KindLoginFailure:             decoderFor[LoginFailure](),
	KindChatMessage:              decoderFor[ChatMessage](),
	KindUserJoined:               decoderFor[UserJoined](),
	KindUserLeft:                 decoderFor[UserLeft](),
	KindUserListUpdate:           decoderFor[UserListUpdate](),
	KindFileUploadMetadata:       decoderFor[FileUploadMetadata](),
	KindUploadReadyForBytes:      decoderFor[UploadReadyForBytes](),
	KindUploadConfirmation:       decoderFor[UploadConfirmation](),
	KindFileListRequest:          decoderFor[FileListRequest](),
	KindFileListResponse:         decoderFor[FileListResponse](),
	KindFileDownloadRequest:      decoderFor[FileDownloadRequest](),
	KindFileDownloadInfoAndStart: decoderFor[FileDownloadInfoAndStart](),
	KindFileDownloadSendingBytes: decoderFor[FileDownloadSendingBytes](),
	KindFileDownloadError:        decoderFor[FileDownloadError](),
	KindClientDisconnect:         decoderFor[ClientDisconnect](),
	KindGeneralServerMessage:     decoderFor[GeneralServerMessage](),
}

// Known reports whether k is one of the defined message kinds.
func Known(k Kind) bool {
	_, ok := decoders[k]
	return ok
}
