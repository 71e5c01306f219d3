package protocol

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/ouisync/crypto"
)

// Disambiguator distinguishes a ChildNodes request/response for inner
// nodes from one for leaf nodes, when both share the same parent hash
// (spec.md §9's open question on ResponseDisambiguator: resolved here as
// a one-byte tag carried alongside the hash).
type Disambiguator uint8

const (
	DisambiguateInner Disambiguator = iota
	DisambiguateLeaf
)

// MessageKind tags the payload carried by a Message (spec.md §6).
type MessageKind uint8

const (
	KindCreateLink MessageKind = iota
	KindRequest
	KindResponse
)

// Message is the top-level framed value exchanged between peers
// (spec.md §6). Exactly one of the payload fields is meaningful,
// selected by Kind.
type Message struct {
	Kind MessageKind

	// CreateLink fields.
	SrcRepositoryId ids.ID
	DstRepositoryName string

	// Request/Response share a destination repository id.
	DstRepositoryId ids.ID
	Request         *Request
	Response        *Response
}

// RequestKind tags the payload carried by a Request.
type RequestKind uint8

const (
	ReqRootNode RequestKind = iota
	ReqChildNodes
	ReqBlock
)

// Request is one of RootNode(writer_id) | ChildNodes(hash, disambiguator) |
// Block(block_id) (spec.md §6).
type Request struct {
	Kind          RequestKind
	WriterId      WriterId      // ReqRootNode
	Hash          Hash          // ReqChildNodes
	Disambiguator Disambiguator // ReqChildNodes
	BlockId       BlockId       // ReqBlock
	Debug         string
}

// ResponseKind tags the payload carried by a Response.
type ResponseKind uint8

const (
	RespRootNode ResponseKind = iota
	RespInnerNodes
	RespLeafNodes
	RespBlock
	RespRootNodeError
	RespChildNodesError
	RespBlockError
)

// Response is one of the seven variants of spec.md §6.
type Response struct {
	Kind ResponseKind

	// RespRootNode / RespRootNodeError.
	Proof    Proof
	Summary  Summary
	WriterId WriterId

	// RespInnerNodes / RespLeafNodes / RespChildNodesError.
	ParentHash    Hash
	Disambiguator Disambiguator
	InnerNodes    map[byte]InnerNode
	LeafNodes     []LeafNode

	// RespBlock / RespBlockError.
	BlockId BlockId
	Content []byte
	Nonce   crypto.BlockNonce

	Debug string
}
