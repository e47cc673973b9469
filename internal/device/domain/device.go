package domain

// Unknown is the value of any device attribute that could not be resolved.
const Unknown = "Unknown"

// DeviceType is the coarse form factor reported to the backend in X-Device-Type.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "DESKTOP"
	DeviceTypeMobile  DeviceType = "MOBILE"
	DeviceTypeTablet  DeviceType = "TABLET"
	DeviceTypeUnknown DeviceType = Unknown
)

// Identity describes the device this client runs on. Fingerprint is stable for the
// lifetime of the profile; the other fields are re-derived on every read.
type Identity struct {
	Fingerprint string
	OS          string
	Browser     string
	Type        DeviceType
	Language    string
	Timezone    string
}

// Device is the backend's view of the linked device (GET /api/devices/current).
type Device struct {
	ID           int64   `json:"id"`
	UserID       int64   `json:"userId"`
	Fingerprint  string  `json:"fingerprint"`
	Type         string  `json:"type"`
	OS           string  `json:"os"`
	Browser      string  `json:"browser"`
	RegisteredAt string  `json:"registeredAt"`
	LastLoginAt  *string `json:"lastLoginAt,omitempty"`
}

// Log is one entry of the device activity history (GET /api/devices/logs).
type Log struct {
	ID                  int64   `json:"id,omitempty"`
	UserID              int64   `json:"userId"`
	DeviceID            *int64  `json:"deviceId,omitempty"`
	Action              string  `json:"action"`
	Result              string  `json:"result"`
	Details             *string `json:"details,omitempty"`
	CreatedAt           string  `json:"createdAt"`
	FingerprintSnapshot *string `json:"deviceFingerprintSnapshot,omitempty"`
	OSSnapshot          *string `json:"deviceOsSnapshot,omitempty"`
	TypeSnapshot        *string `json:"deviceTypeSnapshot,omitempty"`
	BrowserSnapshot     *string `json:"deviceBrowserSnapshot,omitempty"`
}
