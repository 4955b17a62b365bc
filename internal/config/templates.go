package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the config kinds Template knows.
var Kinds = []string{"controller", "scanner"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "controller":
		return controllerTemplate, nil
	case "scanner":
		return scannerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "controller":
		_, err := LoadController(path)
		return err
	case "scanner":
		_, err := LoadScanner(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const controllerTemplate = `[link]
listen = "0.0.0.0:5002"
heartbeat = "15s"
accept_retry = "5s"
write_timeout = "20s"
outbound_capacity = 256
inbound_capacity = 1024

[http]
addr = ":8080"
cors_origins = ["http://localhost:3000"]
token = ""

[scan]
targets = { plant = true, rock = false, person = false }
privacy = false
iou = 0.5
interval = "0s"
distance_threshold = 5.0
lat = 55.8721
lon = -4.2882
capture_ack_timeout = "10s"
exchange_timeout = "60s"
hyperspectral_timeout = "120s"
manual_timeout = "300s"

[sidecars]
camera = "http://127.0.0.1:8101"
detector = "http://127.0.0.1:8102"
stitcher = "http://127.0.0.1:8103"
timeout = "30s"
retries = 2

[store]
data_path = "./ui/api/data.json"
image_root = "./ui/public/images"
image_ref = "./images"
location = "New Scan"
`

const scannerTemplate = `[link]
controller_addr = "127.0.0.1:5002"
heartbeat = "15s"
reconnect_delay = "5s"
write_timeout = "20s"

[http]
addr = ":8081"

[scanner]
camera_index_base = 2
targets_timeout = "10s"
frame_rate = 30.0
manual_start = -180.0
manual_end = 180.0
width = 4608.0
hfov = 102.0
mount_angles = [0.0, 90.0, 180.0, 270.0]
calibration_offset = 20.0
min_sweep = 27.0
scan_speed = 5.0

[sidecars]
camera = "http://127.0.0.1:8201"
detector = "http://127.0.0.1:8202"
hyperspectral = "http://127.0.0.1:8203"
timeout = "30s"
retries = 2
`
