package domain

// Result shapes for the upstream catalog. Field names follow the upstream
// JSON, which mixes camelCase and PascalCase.

// Message is the fallback shape for endpoints without a declared result.
type Message struct {
	Message string `json:"message"`
}

type Server struct {
	Name           string    `json:"Name"`
	OwnerID        float64   `json:"OwnerId"`
	CoOwnerIDs     []float64 `json:"CoOwnerIds"`
	CurrentPlayers int       `json:"CurrentPlayers"`
	MaxPlayers     int       `json:"MaxPlayers"`
	JoinKey        string    `json:"JoinKey"`
	AccVerifiedReq string    `json:"AccVerifiedReq"`
	TeamBalance    bool      `json:"TeamBalance"`
}

// Player names are formatted "{Username}:{UserId}".
type Player struct {
	Player     string  `json:"Player"`
	Permission string  `json:"Permission"`
	Callsign   *string `json:"Callsign,omitempty"`
	Team       string  `json:"Team"`
}

type JoinLog struct {
	Join      bool    `json:"Join"`
	Timestamp float64 `json:"Timestamp"`
	Player    string  `json:"Player"`
}

type KillLog struct {
	Killed    string  `json:"Killed"`
	Killer    string  `json:"Killer"`
	Timestamp float64 `json:"Timestamp"`
}

type CommandLog struct {
	Player    string  `json:"Player"`
	Timestamp float64 `json:"Timestamp"`
	Command   string  `json:"Command"`
}

type CallLog struct {
	Caller    string  `json:"Caller"`
	Moderator string  `json:"Moderator"`
	Timestamp float64 `json:"Timestamp"`
}

type Vehicle struct {
	Texture *string `json:"Texture,omitempty"`
	Name    string  `json:"Name"`
	Owner   string  `json:"Owner"`
}

// Staff maps admin and moderator user ids to usernames.
type Staff struct {
	CoOwners []float64         `json:"CoOwners"`
	Admins   map[string]string `json:"Admins"`
	Mods     map[string]string `json:"Mods"`
}
