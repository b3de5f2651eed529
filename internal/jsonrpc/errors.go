package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeBadRequest is the implementation-defined code for transport
	// level rejections (bad session id, wrong content type).
	ErrorCodeBadRequest ErrorCode = -32000
	// ErrorCodeInvalidToken is the implementation-defined code returned when
	// a bearer token is invalid or expired.
	ErrorCodeInvalidToken ErrorCode = -32001
	// ErrorCodeSessionNotFound is the implementation-defined code returned
	// when a request names a session the registry does not hold. The wire
	// value is shared with ErrorCodeInvalidToken for compatibility with
	// existing clients.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeNoSession is the implementation-defined code returned when a
	// non-initialize request arrives without a session id.
	ErrorCodeNoSession ErrorCode = -32003
)
