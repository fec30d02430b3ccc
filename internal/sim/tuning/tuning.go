package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const (
	OrderIntersectionFirst = "intersection_first"
	OrderYieldFirst        = "yield_first"
)

type Tuning struct {
	Features     Features     `yaml:"features" json:"features"`
	Player       Player       `yaml:"player" json:"player"`
	Detection    Detection    `yaml:"detection" json:"detection"`
	Prediction   Prediction   `yaml:"prediction" json:"prediction"`
	Safety       Safety       `yaml:"safety" json:"safety"`
	Yield        Yield        `yaml:"yield" json:"yield"`
	Oncoming     Oncoming     `yaml:"oncoming" json:"oncoming"`
	Intersection Intersection `yaml:"intersection" json:"intersection"`
	Creep        Creep        `yaml:"creep" json:"creep"`
	Opticom      Opticom      `yaml:"opticom" json:"opticom"`
	AroundPlayer AroundPlayer `yaml:"around_player" json:"around_player"`
}

type Features struct {
	ShowDebug                 bool   `yaml:"show_debug" json:"show_debug"`
	SameSideYield             bool   `yaml:"same_side_yield" json:"same_side_yield"`
	OncomingBraking           bool   `yaml:"oncoming_braking" json:"oncoming_braking"`
	IntersectionControl       bool   `yaml:"intersection_control" json:"intersection_control"`
	IntersectionCreep         bool   `yaml:"intersection_creep" json:"intersection_creep"`
	Opticom                   bool   `yaml:"opticom" json:"opticom"`
	AroundPlayer              bool   `yaml:"around_player" json:"around_player"`
	AroundPlayerOnlyInVehicle bool   `yaml:"around_player_only_in_vehicle" json:"around_player_only_in_vehicle"`
	Prediction                bool   `yaml:"prediction" json:"prediction"`
	SubsystemOrder            string `yaml:"subsystem_order" json:"subsystem_order"`
}

type Player struct {
	StoppedSpeed     float64 `yaml:"stopped_speed" json:"stopped_speed"`
	StoppedTimeoutMs uint64  `yaml:"stopped_timeout_ms" json:"stopped_timeout_ms"`
}

type Detection struct {
	Range         float64 `yaml:"range" json:"range"`
	StartWidth    float64 `yaml:"start_width" json:"start_width"`
	EndWidth      float64 `yaml:"end_width" json:"end_width"`
	HeightOffset  float64 `yaml:"height_offset" json:"height_offset"`
	Height        float64 `yaml:"height" json:"height"`
	SearchPadding float64 `yaml:"search_padding" json:"search_padding"`
}

type Prediction struct {
	HorizonS float64 `yaml:"horizon_s" json:"horizon_s"`
	MinSpeed float64 `yaml:"min_speed" json:"min_speed"`
}

type Safety struct {
	ForwardMargin float64 `yaml:"forward_margin" json:"forward_margin"`
	LateralMargin float64 `yaml:"lateral_margin" json:"lateral_margin"`
}

type Yield struct {
	MinEgoSpeed           float64 `yaml:"min_ego_speed" json:"min_ego_speed"`
	ScanIntervalMs        uint64  `yaml:"scan_interval_ms" json:"scan_interval_ms"`
	ForwardMoveDistance   float64 `yaml:"forward_move_distance" json:"forward_move_distance"`
	MinForwardDistance    float64 `yaml:"min_forward_distance" json:"min_forward_distance"`
	ForwardStep           float64 `yaml:"forward_step" json:"forward_step"`
	SideMoveDistance      float64 `yaml:"side_move_distance" json:"side_move_distance"`
	ForceSideMoveDistance float64 `yaml:"force_side_move_distance" json:"force_side_move_distance"`
	SideProbeDistance     float64 `yaml:"side_probe_distance" json:"side_probe_distance"`
	AlignedHeadingDot     float64 `yaml:"aligned_heading_dot" json:"aligned_heading_dot"`
	PreferRightLateral    float64 `yaml:"prefer_right_lateral" json:"prefer_right_lateral"`
	CenterBand            float64 `yaml:"center_band" json:"center_band"`
	DriveSpeed            float64 `yaml:"drive_speed" json:"drive_speed"`
	CompletionDistance    float64 `yaml:"completion_distance" json:"completion_distance"`
	AbandonDistance       float64 `yaml:"abandon_distance" json:"abandon_distance"`
	TimeoutMs             uint64  `yaml:"timeout_ms" json:"timeout_ms"`
	ReleaseMargin         float64 `yaml:"release_margin" json:"release_margin"`
	StationarySpeed       float64 `yaml:"stationary_speed" json:"stationary_speed"`
}

type Oncoming struct {
	HeadingDot    float64 `yaml:"heading_dot" json:"heading_dot"`
	MinLateral    float64 `yaml:"min_lateral" json:"min_lateral"`
	MaxLateral    float64 `yaml:"max_lateral" json:"max_lateral"`
	DurationMs    uint64  `yaml:"duration_ms" json:"duration_ms"`
	ReleaseMargin float64 `yaml:"release_margin" json:"release_margin"`
}

type Intersection struct {
	ScanIntervalMs          uint64   `yaml:"scan_interval_ms" json:"scan_interval_ms"`
	CandidateScanIntervalMs uint64   `yaml:"candidate_scan_interval_ms" json:"candidate_scan_interval_ms"`
	CooldownMs              uint64   `yaml:"cooldown_ms" json:"cooldown_ms"`
	SearchMinDistance       float64  `yaml:"search_min_distance" json:"search_min_distance"`
	SearchMaxDistance       float64  `yaml:"search_max_distance" json:"search_max_distance"`
	SearchStepSize          float64  `yaml:"search_step_size" json:"search_step_size"`
	SearchRadius            float64  `yaml:"search_radius" json:"search_radius"`
	HeadingThreshold        float64  `yaml:"heading_threshold" json:"heading_threshold"`
	AcceptMargin            float64  `yaml:"accept_margin" json:"accept_margin"`
	ClearMargin             float64  `yaml:"clear_margin" json:"clear_margin"`
	PastThreshold           float64  `yaml:"past_threshold" json:"past_threshold"`
	StopSignCenterOffset    float64  `yaml:"stop_sign_center_offset" json:"stop_sign_center_offset"`
	CandidateRadius         float64  `yaml:"candidate_radius" json:"candidate_radius"`
	CrossTrafficHeadingDot  float64  `yaml:"cross_traffic_heading_dot" json:"cross_traffic_heading_dot"`
	StopSignAlignedDot      float64  `yaml:"stop_sign_aligned_dot" json:"stop_sign_aligned_dot"`
	StopRadius              float64  `yaml:"stop_radius" json:"stop_radius"`
	StopManeuverMs          uint64   `yaml:"stop_maneuver_ms" json:"stop_maneuver_ms"`
	StopReleaseDistance     float64  `yaml:"stop_release_distance" json:"stop_release_distance"`
	TrafficLightModels      []uint32 `yaml:"traffic_light_models" json:"traffic_light_models"`
	StopSignModels          []uint32 `yaml:"stop_sign_models" json:"stop_sign_models"`
}

type Creep struct {
	MaxSpeed           float64 `yaml:"max_speed" json:"max_speed"`
	AlignedHeadingDot  float64 `yaml:"aligned_heading_dot" json:"aligned_heading_dot"`
	ForwardDistance    float64 `yaml:"forward_distance" json:"forward_distance"`
	MinForwardDistance float64 `yaml:"min_forward_distance" json:"min_forward_distance"`
	ForwardStep        float64 `yaml:"forward_step" json:"forward_step"`
	SideDistance       float64 `yaml:"side_distance" json:"side_distance"`
	DriveSpeed         float64 `yaml:"drive_speed" json:"drive_speed"`
	CompletionDistance float64 `yaml:"completion_distance" json:"completion_distance"`
	AbandonDistance    float64 `yaml:"abandon_distance" json:"abandon_distance"`
	TimeoutMs          uint64  `yaml:"timeout_ms" json:"timeout_ms"`
	MaxHeightDelta     float64 `yaml:"max_height_delta" json:"max_height_delta"`
	SeparationMargin   float64 `yaml:"separation_margin" json:"separation_margin"`
	ReleaseMargin      float64 `yaml:"release_margin" json:"release_margin"`
}

type Opticom struct {
	GreenDurationMs       uint64 `yaml:"green_duration_ms" json:"green_duration_ms"`
	FlashYellowFirst      bool   `yaml:"flash_yellow_first" json:"flash_yellow_first"`
	FlashYellowCount      int    `yaml:"flash_yellow_count" json:"flash_yellow_count"`
	FlashYellowIntervalMs uint64 `yaml:"flash_yellow_interval_ms" json:"flash_yellow_interval_ms"`
}

type AroundPlayer struct {
	DetectionRange     float64 `yaml:"detection_range" json:"detection_range"`
	DetectionWidth     float64 `yaml:"detection_width" json:"detection_width"`
	SearchPadding      float64 `yaml:"search_padding" json:"search_padding"`
	MinBehind          float64 `yaml:"min_behind" json:"min_behind"`
	MaxSpeed           float64 `yaml:"max_speed" json:"max_speed"`
	AlignedHeadingDot  float64 `yaml:"aligned_heading_dot" json:"aligned_heading_dot"`
	StationarySpeed    float64 `yaml:"stationary_speed" json:"stationary_speed"`
	OvertakeDistance   float64 `yaml:"overtake_distance" json:"overtake_distance"`
	LaneOffset         float64 `yaml:"lane_offset" json:"lane_offset"`
	MaxSnapDrift       float64 `yaml:"max_snap_drift" json:"max_snap_drift"`
	MaxHeightDelta     float64 `yaml:"max_height_delta" json:"max_height_delta"`
	RoadHeadingMax     float64 `yaml:"road_heading_max" json:"road_heading_max"`
	DriveSpeed         float64 `yaml:"drive_speed" json:"drive_speed"`
	TimeoutMs          uint64  `yaml:"timeout_ms" json:"timeout_ms"`
	CompletionDistance float64 `yaml:"completion_distance" json:"completion_distance"`
	ReleaseMargin      float64 `yaml:"release_margin" json:"release_margin"`
	PassedDistance     float64 `yaml:"passed_distance" json:"passed_distance"`
	StuckSpeed         float64 `yaml:"stuck_speed" json:"stuck_speed"`
	StuckDistance      float64 `yaml:"stuck_distance" json:"stuck_distance"`
	StuckProbe         float64 `yaml:"stuck_probe" json:"stuck_probe"`
	BackupDistance     float64 `yaml:"backup_distance" json:"backup_distance"`
	BackupSpeed        float64 `yaml:"backup_speed" json:"backup_speed"`
	BackupGraceMs      uint64  `yaml:"backup_grace_ms" json:"backup_grace_ms"`
}

func Defaults() Tuning {
	return Tuning{
		Features: Features{
			SameSideYield:             true,
			OncomingBraking:           true,
			IntersectionControl:       true,
			IntersectionCreep:         true,
			Opticom:                   true,
			AroundPlayerOnlyInVehicle: true,
			Prediction:                true,
			SubsystemOrder:            OrderIntersectionFirst,
		},
		Player: Player{StoppedSpeed: 0.1, StoppedTimeoutMs: 2000},
		Detection: Detection{
			Range:         40,
			StartWidth:    3.5,
			EndWidth:      5,
			HeightOffset:  -1,
			Height:        12,
			SearchPadding: 5,
		},
		Prediction: Prediction{HorizonS: 0.75, MinSpeed: 2},
		Safety:     Safety{ForwardMargin: 4, LateralMargin: 1.5},
		Yield: Yield{
			MinEgoSpeed:           4,
			ScanIntervalMs:        200,
			ForwardMoveDistance:   35,
			MinForwardDistance:    10,
			ForwardStep:           5,
			SideMoveDistance:      6,
			ForceSideMoveDistance: 7.5,
			SideProbeDistance:     3.5,
			AlignedHeadingDot:     0.2,
			PreferRightLateral:    -1.5,
			CenterBand:            0.75,
			DriveSpeed:            15,
			CompletionDistance:    3,
			AbandonDistance:       45,
			TimeoutMs:             3000,
			ReleaseMargin:         20,
			StationarySpeed:       0.5,
		},
		Oncoming: Oncoming{
			HeadingDot:    -0.7,
			MinLateral:    -19,
			MaxLateral:    -1.5,
			DurationMs:    1500,
			ReleaseMargin: 30,
		},
		Intersection: Intersection{
			ScanIntervalMs:          250,
			CandidateScanIntervalMs: 250,
			CooldownMs:              1300,
			SearchMinDistance:       30,
			SearchMaxDistance:       45,
			SearchStepSize:          7,
			SearchRadius:            45,
			HeadingThreshold:        40,
			AcceptMargin:            5,
			ClearMargin:             20,
			PastThreshold:           -10,
			StopSignCenterOffset:    12,
			CandidateRadius:         60,
			CrossTrafficHeadingDot:  0.25,
			StopSignAlignedDot:      0.7,
			StopRadius:              35,
			StopManeuverMs:          2000,
			StopReleaseDistance:     80,
			TrafficLightModels: []uint32{
				0x3e2b73a4, 0x336e5e2a, 0xd8eba922, 0xd4729f50,
				0x272244b2, 0x33986eae, 0x2323cdc5,
			},
			StopSignModels: []uint32{0xc76bd3ab, 0x78f4b6be},
		},
		Creep: Creep{
			MaxSpeed:           4,
			AlignedHeadingDot:  0.8,
			ForwardDistance:    8.5,
			MinForwardDistance: 3,
			ForwardStep:        2,
			SideDistance:       6.5,
			DriveSpeed:         12,
			CompletionDistance: 1.5,
			AbandonDistance:    13,
			TimeoutMs:          2500,
			MaxHeightDelta:     3,
			SeparationMargin:   1,
			ReleaseMargin:      30,
		},
		Opticom: Opticom{
			GreenDurationMs:       6000,
			FlashYellowCount:      1,
			FlashYellowIntervalMs: 500,
		},
		AroundPlayer: AroundPlayer{
			DetectionRange:     30,
			DetectionWidth:     8,
			SearchPadding:      5,
			MinBehind:          1,
			MaxSpeed:           4,
			AlignedHeadingDot:  0.8,
			StationarySpeed:    0.1,
			OvertakeDistance:   20,
			LaneOffset:         3,
			MaxSnapDrift:       12,
			MaxHeightDelta:     4.5,
			RoadHeadingMax:     90,
			DriveSpeed:         15,
			TimeoutMs:          4000,
			CompletionDistance: 3,
			ReleaseMargin:      40,
			PassedDistance:     2,
			StuckSpeed:         0.2,
			StuckDistance:      5,
			StuckProbe:         1.5,
			BackupDistance:     3.5,
			BackupSpeed:        5,
			BackupGraceMs:      2500,
		},
	}
}

//go:embed tuning.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("tuning.schema.json", schemaJSON)

// Load reads a YAML file over Defaults. An empty path returns the defaults.
// The raw document is checked against the embedded JSON schema before it is
// decoded, then cross-field rules are applied.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document over Defaults.
func Parse(raw []byte) (Tuning, error) {
	return Defaults().Overlay(raw)
}

// Overlay decodes a YAML document over t. Keys absent from raw keep t's values.
func (t Tuning) Overlay(raw []byte) (Tuning, error) {
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	out := t
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := out.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return out, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// yaml decodes numbers as int/float64; the validator wants JSON values.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func (t Tuning) Validate() error {
	if !lo.Contains([]string{OrderIntersectionFirst, OrderYieldFirst}, t.Features.SubsystemOrder) {
		return fmt.Errorf("features.subsystem_order: unknown order %q", t.Features.SubsystemOrder)
	}
	d := t.Detection
	if d.Range <= 0 {
		return fmt.Errorf("detection.range must be > 0")
	}
	if d.StartWidth < 0 || d.EndWidth < 0 || d.Height <= 0 {
		return fmt.Errorf("detection: widths must be >= 0 and height > 0")
	}
	y := t.Yield
	if y.ForwardStep <= 0 {
		return fmt.Errorf("yield.forward_step must be > 0")
	}
	if y.MinForwardDistance > y.ForwardMoveDistance {
		return fmt.Errorf("yield.min_forward_distance %.2f exceeds forward_move_distance %.2f", y.MinForwardDistance, y.ForwardMoveDistance)
	}
	if y.CompletionDistance >= y.AbandonDistance {
		return fmt.Errorf("yield.completion_distance must be below abandon_distance")
	}
	if t.Oncoming.MinLateral >= t.Oncoming.MaxLateral {
		return fmt.Errorf("oncoming.min_lateral must be below max_lateral")
	}
	in := t.Intersection
	if in.SearchStepSize <= 0 {
		return fmt.Errorf("intersection.search_step_size must be > 0")
	}
	if in.SearchMinDistance > in.SearchMaxDistance {
		return fmt.Errorf("intersection.search_min_distance exceeds search_max_distance")
	}
	if len(in.TrafficLightModels) == 0 && len(in.StopSignModels) == 0 {
		return fmt.Errorf("intersection: no traffic control models")
	}
	if dup := lo.Intersect(in.TrafficLightModels, in.StopSignModels); len(dup) > 0 {
		return fmt.Errorf("intersection: model %#x listed as both light and stop sign", dup[0])
	}
	c := t.Creep
	if c.ForwardStep <= 0 {
		return fmt.Errorf("creep.forward_step must be > 0")
	}
	if c.MinForwardDistance > c.ForwardDistance {
		return fmt.Errorf("creep.min_forward_distance exceeds forward_distance")
	}
	if c.CompletionDistance >= c.AbandonDistance {
		return fmt.Errorf("creep.completion_distance must be below abandon_distance")
	}
	if t.Opticom.FlashYellowCount < 0 {
		return fmt.Errorf("opticom.flash_yellow_count must be >= 0")
	}
	a := t.AroundPlayer
	if a.MinBehind > a.DetectionRange {
		return fmt.Errorf("around_player.min_behind exceeds detection_range")
	}
	return nil
}

// IsTrafficLight reports whether model is a known traffic light.
func (in Intersection) IsTrafficLight(model uint32) bool {
	return lo.Contains(in.TrafficLightModels, model)
}

func (in Intersection) IsStopSign(model uint32) bool {
	return lo.Contains(in.StopSignModels, model)
}

// Models returns every traffic-control model, lights first.
func (in Intersection) Models() []uint32 {
	return append(append([]uint32(nil), in.TrafficLightModels...), in.StopSignModels...)
}
