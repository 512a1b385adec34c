package common

// SyncVersionHeader carries the wire protocol version on every sync request.
const SyncVersionHeader = "X-ObjectQL-Sync-Version"

// SyncProtocolVersion is the protocol version this build speaks.
const SyncProtocolVersion = "1"

// AuthorizationHeader carries the bearer token on outbound requests.
const AuthorizationHeader = "Authorization"
