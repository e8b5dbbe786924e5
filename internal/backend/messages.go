package backend

import "github.com/cuemby/platt-gateway/internal/clusterhandle"

// Conversation kinds named by the handshake's "task" field.
const (
	TaskNewFileMessage = "new_file_message"
	TaskIndex          = "index"
	TaskFileDownload   = "file_download"
)

type handshake struct {
	Task string `json:"task"`
}

type newFileWire struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Sha1sum   string `json:"sha1sum"`
}

type newFileMessage struct {
	Todo    string      `json:"todo"`
	NewFile newFileWire `json:"new_file"`
}

type indexRequestMessage struct {
	Todo string `json:"todo"`
}

type indexReplyMessage struct {
	Todo  string         `json:"todo"`
	Index map[string]any `json:"index"`
}

type fileDownloadRequestMessage struct {
	RequestedFile requestedFile `json:"requested_file"`
}

type requestedFile struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

type fileDownloadReplyMessage struct {
	Todo        string          `json:"todo"`
	FileRequest fileRequestWire `json:"file_request"`
}

type fileRequestWire struct {
	Namespace string                    `json:"namespace"`
	Object    string                    `json:"object"`
	Contents  []byte                    `json:"contents"` // json package base64-encodes []byte automatically
	Tags      clusterhandle.ObjectAttrs `json:"tags"`
}
