package api

type Entry struct {
	Username string `json:"username"`
	Network  string `json:"network"` // address or CIDR
}

type AddRequest struct {
	Username string `json:"username"`
	Network  string `json:"network"`
}

// WhitelistRequest whitelists the offline identity of Username, or the
// verified one when PublicKey (authorized_keys format) is set.
type WhitelistRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
}

type Profile struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// CommandResult is the response body of every command. Failed commands also
// set Message, so the body doubles as an ErrorJSON.
type CommandResult struct {
	OK      bool     `json:"ok"`
	Lines   []string `json:"lines"`
	Entries []Entry  `json:"entries,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
	Message string   `json:"message,omitempty"`
}

type ErrorJSON struct {
	Message string `json:"message"`
}
