package types

// FileEntry is one directory entry as reported by the calculator.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Date  uint64 `json:"date"`
	Size  uint64 `json:"size"`
}

// ProgressUpdate is posted to the caller while a transfer is running.
// Remaining never exceeds Total.
type ProgressUpdate struct {
	Remaining uint32 `json:"remaining"`
	Total     uint32 `json:"total"`
}

// Done reports whether this is the terminal update of a transfer.
func (p ProgressUpdate) Done() bool {
	return p.Remaining == 0
}

type Version struct {
	Major uint8  `json:"major"`
	Minor uint8  `json:"minor"`
	Patch uint8  `json:"patch"`
	Build uint16 `json:"build"`
}

type Lcd struct {
	Width      uint16 `json:"width"`
	Height     uint16 `json:"height"`
	Bpp        uint8  `json:"bpp"`
	SampleMode uint8  `json:"sample_mode"`
}

// HardwareType, RunLevel and Battery carry the device-reported names
// ("CasCx", "Os", "Ok", ...). Unrecognized values are passed as "Unknown(n)".
type HardwareType string

type RunLevel string

type Battery string

// DeviceInfo is the status snapshot returned by the calculator. The bridge
// passes it through without interpretation.
type DeviceInfo struct {
	FreeStorage   uint64       `json:"free_storage"`
	TotalStorage  uint64       `json:"total_storage"`
	FreeRAM       uint64       `json:"free_ram"`
	TotalRAM      uint64       `json:"total_ram"`
	Version       Version      `json:"version"`
	Boot1Version  Version      `json:"boot1_version"`
	Boot2Version  Version      `json:"boot2_version"`
	HwType        HardwareType `json:"hw_type"`
	ClockSpeed    uint8        `json:"clock_speed"`
	Lcd           Lcd          `json:"lcd"`
	OsExtension   string       `json:"os_extension"`
	FileExtension string       `json:"file_extension"`
	Name          string       `json:"name"`
	ID            string       `json:"id"`
	RunLevel      RunLevel     `json:"run_level"`
	Battery       Battery      `json:"battery"`
	IsCharging    bool         `json:"is_charging"`
}
