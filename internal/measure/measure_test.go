package measure

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/sensor"
)

// fakeEngine returns captures whose cell (i, j) of average a holds
// a*1000 + j*10 + i, so column slices can be traced back.
type fakeEngine struct {
	frames int
	// width overrides the number of captured channels when > 0.
	width int
	err   error
	calls []audio.Request
}

func (e *fakeEngine) Acquire(_ context.Context, req audio.Request) (*audio.Capture, error) {
	e.calls = append(e.calls, req)
	if e.err != nil {
		return nil, e.err
	}
	n := len(req.InChannels)
	if e.width > 0 {
		n = e.width
	}
	avg := len(e.calls)
	m := mat.NewDense(e.frames, n, nil)
	for i := 0; i < e.frames; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, float64(avg*1000+j*10+i))
		}
	}
	return &audio.Capture{Samples: m, Timestamp: time.Date(2024, 5, 1, 10, 0, avg, 0, time.UTC)}, nil
}

type fakeSensor struct{ reads int }

func (s *fakeSensor) Read(context.Context) (sensor.Reading, error) {
	s.reads++
	t, h := 20.0+float64(s.reads), 40.0
	return sensor.Reading{Temperature: &t, Humidity: &h}, nil
}

type countingPauser struct{ left []int }

func (p *countingPauser) Pause(_ context.Context, left int) error {
	p.left = append(p.left, left)
	return nil
}

type setupOption func(p *SetupParams)

func newTestSetup(t *testing.T, opts ...setupOption) *Setup {
	t.Helper()
	in, err := channel.NewList(channel.KindIn,
		channel.Channel{Number: 1, Name: "mic1", Code: "Ch1"},
		channel.Channel{Number: 2, Name: "mic2", Code: "Ch2"},
		channel.Channel{Number: 3, Name: "mic3", Code: "Ch3"},
	)
	require.NoError(t, err)
	require.NoError(t, in.SetGroups(map[string][]int{"array1": {1, 2}}))

	out, err := channel.NewList(channel.KindOut,
		channel.Channel{Number: 1, Name: "Dodecahedron", Code: "O1"},
		channel.Channel{Number: 2, Name: "Sub", Code: "O2"},
	)
	require.NoError(t, err)

	p := SetupParams{
		Name:                "test",
		SamplingRate:        44100,
		Device:              []int{30, 31},
		FreqMin:             20,
		FreqMax:             20000,
		Averages:            3,
		NoiseFloorDuration:  2 * time.Second,
		CalibrationDuration: 1500 * time.Millisecond,
		Excitations: map[string]*audio.Signal{
			"sweep18": {Samples: []float64{0, 0.5, -0.5, 0.25}, SamplingRate: 44100, FreqMin: 20, FreqMax: 20000, Comment: "short"},
		},
		InChannels:  in,
		OutChannels: out,
	}
	for _, opt := range opts {
		opt(&p)
	}
	s, err := NewSetup(p)
	require.NoError(t, err)
	return s
}

func roomIRParams() TakeParams {
	return TakeParams{
		Kind:       "roomir",
		InChannels: []string{"array1"},
		OutChannel: "O1",
		Excitation: "sweep18",
		Source:     "S1",
		Receivers:  []string{"R1"},
	}
}

func TestParseKind(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Kind
	}{
		{"roomir", KindRoomIR},
		{"NoiseFloor", KindNoiseFloor},
		{"calibration", KindMicCalibration},
		{"miccalibration", KindMicCalibration},
		{"sourcerecalibration", KindSourceRecalibration},
	} {
		got, err := ParseKind(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseKind("impulse")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestNewSetup_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify setupOption
	}{
		{"no name", func(p *SetupParams) { p.Name = "" }},
		{"no rate", func(p *SetupParams) { p.SamplingRate = 0 }},
		{"band", func(p *SetupParams) { p.FreqMin = 20000 }},
		{"averages", func(p *SetupParams) { p.Averages = 0 }},
		{"noise floor", func(p *SetupParams) { p.NoiseFloorDuration = 0 }},
		{"calibration", func(p *SetupParams) { p.CalibrationDuration = -time.Second }},
		{"noise floor below one sample", func(p *SetupParams) { p.NoiseFloorDuration = 10 * time.Microsecond }},
		{"calibration below one sample", func(p *SetupParams) { p.CalibrationDuration = time.Nanosecond }},
		{"swapped rosters", func(p *SetupParams) { p.InChannels, p.OutChannels = p.OutChannels, p.InChannels }},
		{"device ids", func(p *SetupParams) { p.Device = []int{1, 2, 3} }},
		{"empty excitation", func(p *SetupParams) { p.Excitations = map[string]*audio.Signal{"x": {SamplingRate: 44100}} }},
		{"excitation rate", func(p *SetupParams) {
			p.Excitations = map[string]*audio.Signal{"x": {Samples: []float64{1}, SamplingRate: 48000}}
		}},
	}
	base := newTestSetup(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SetupParams{
				Name:                base.Name(),
				SamplingRate:        base.SamplingRate(),
				Device:              base.Device(),
				FreqMin:             base.FreqMin(),
				FreqMax:             base.FreqMax(),
				Averages:            base.Averages(),
				NoiseFloorDuration:  base.NoiseFloorDuration(),
				CalibrationDuration: base.CalibrationDuration(),
				InChannels:          base.InChannels(),
				OutChannels:         base.OutChannels(),
			}
			tt.modify(&p)
			_, err := NewSetup(p)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}
}

func TestSetup_RoundTrip(t *testing.T) {
	s := newTestSetup(t, func(p *SetupParams) { p.PauseForAverage = true })

	first := container.NewGroup()
	require.NoError(t, s.Encode(first))

	data, err := container.Marshal(first)
	require.NoError(t, err)
	stored, err := container.Unmarshal(data)
	require.NoError(t, err)

	back, err := DecodeSetup(stored)
	require.NoError(t, err)
	if diff := cmp.Diff(s, back); diff != "" {
		t.Errorf("decoded setup differs (-want +got):\n%s", diff)
	}
	assert.True(t, back.InChannels().Equal(s.InChannels()))
	assert.Equal(t, map[string][]int{"array1": {1, 2}}, back.InChannels().Groups())
	assert.Equal(t, []string{"sweep18"}, back.ExcitationNames())

	second := container.NewGroup()
	require.NoError(t, back.Encode(second))
	again, err := container.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestDecode_Dispatch(t *testing.T) {
	s := newTestSetup(t)
	g := container.NewGroup()
	require.NoError(t, s.Encode(g))

	v, err := Decode(g)
	require.NoError(t, err)
	assert.IsType(t, &Setup{}, v)

	sig, err := Decode(g.Groups["excitationSignals"].Groups["sweep18"])
	require.NoError(t, err)
	assert.IsType(t, &audio.Signal{}, sig)

	_, err = DecodeThing(g)
	assert.ErrorIs(t, err, fault.ErrStorage)

	g.SetAttr("class", "Unknown")
	_, err = Decode(g)
	assert.ErrorIs(t, err, fault.ErrStorage)
}

func TestNewTake_Validation(t *testing.T) {
	s := newTestSetup(t)

	tests := []struct {
		name    string
		modify  func(p *TakeParams)
		wantErr error
	}{
		{"unknown kind", func(p *TakeParams) { p.Kind = "impulse" }, fault.ErrValidation},
		{"no selectors", func(p *TakeParams) { p.InChannels = nil }, fault.ErrValidation},
		{"unknown selector", func(p *TakeParams) { p.InChannels = []string{"nope"} }, fault.ErrNotFound},
		{"grouped channel alone", func(p *TakeParams) { p.InChannels = []string{"Ch1"} }, fault.ErrInvalidGroup},
		{"grouped channel by name", func(p *TakeParams) { p.InChannels = []string{"mic2"} }, fault.ErrInvalidGroup},
		{"duplicate selector", func(p *TakeParams) {
			p.InChannels = []string{"Ch3", "Ch3"}
			p.Receivers = []string{"R1", "R2"}
		}, fault.ErrValidation},
		{"no output", func(p *TakeParams) { p.OutChannel = "" }, fault.ErrValidation},
		{"unknown output", func(p *TakeParams) { p.OutChannel = "O9" }, fault.ErrNotFound},
		{"no excitation", func(p *TakeParams) { p.Excitation = "" }, fault.ErrValidation},
		{"unknown excitation", func(p *TakeParams) { p.Excitation = "pink" }, fault.ErrNotFound},
		{"no source", func(p *TakeParams) { p.Source = "" }, fault.ErrValidation},
		{"no receivers", func(p *TakeParams) { p.Receivers = nil }, fault.ErrValidation},
		{"receiver count", func(p *TakeParams) { p.Receivers = []string{"R1", "R2"} }, fault.ErrValidation},
		{"receiver label", func(p *TakeParams) { p.Receivers = []string{"P1"} }, fault.ErrValidation},
		{"receiver number", func(p *TakeParams) { p.Receivers = []string{"Rx"} }, fault.ErrValidation},
		{"calibration group", func(p *TakeParams) {
			*p = TakeParams{Kind: "calibration", InChannels: []string{"array1"}}
		}, fault.ErrInvalidGroup},
		{"recalibration group", func(p *TakeParams) {
			*p = TakeParams{Kind: "sourcerecalibration", InChannels: []string{"array1"}, OutChannel: "O1", Excitation: "sweep18", Source: "S1"}
		}, fault.ErrInvalidGroup},
		{"calibration same channel twice", func(p *TakeParams) {
			*p = TakeParams{Kind: "miccalibration", InChannels: []string{"Ch1", "mic1"}}
		}, fault.ErrDuplicateChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := roomIRParams()
			tt.modify(&p)
			_, err := NewTake(s, p)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}
}

func TestNewTake_KindsWithoutPlayback(t *testing.T) {
	s := newTestSetup(t)

	nf, err := NewTake(s, TakeParams{Kind: "noisefloor", InChannels: []string{"array1", "Ch3"}})
	require.NoError(t, err)
	assert.Equal(t, StateConfigured, nf.State())
	assert.False(t, nf.Ran())
	assert.False(t, nf.Saved())

	// Calibrations address grouped channels individually.
	cal, err := NewTake(s, TakeParams{Kind: "calibration", InChannels: []string{"Ch1", "Ch2"}})
	require.NoError(t, err)
	assert.Equal(t, KindMicCalibration, cal.Kind())

	req := cal.Request()
	assert.Equal(t, audio.ModeRec, req.Mode)
	assert.Equal(t, 1500*time.Millisecond, req.Duration)
	assert.Equal(t, []int{30, 31}, req.Device)
	assert.Equal(t, []int{1, 2}, req.InChannels)

	req = nf.Request()
	assert.Equal(t, 2*time.Second, req.Duration)
	assert.Equal(t, []int{30, 31}, req.Device)
	assert.Equal(t, []int{1, 2, 3}, req.InChannels)
}

func TestTake_RunRoomIRExample(t *testing.T) {
	s := newTestSetup(t)
	take, err := NewTake(s, roomIRParams())
	require.NoError(t, err)

	engine := &fakeEngine{frames: 4}
	require.NoError(t, take.Run(context.Background(), engine, nil, nil))

	require.Len(t, engine.calls, 3)
	req := engine.calls[0]
	assert.Equal(t, audio.ModePlayRec, req.Mode)
	assert.Equal(t, []int{1, 2}, req.InChannels)
	assert.Equal(t, []int{1}, req.OutChannels)
	assert.Equal(t, 44100, req.SamplingRate)
	require.NotNil(t, req.Excitation)

	assert.Equal(t, StateCompleted, take.State())
	assert.True(t, take.Ran())

	things := take.Things()
	require.Len(t, things, 1)
	thing := things[0]
	assert.Equal(t, "roomir_S1-R1_O1-array1_sweep18", thing.Name())
	assert.Equal(t, take.ID(), thing.TakeID)
	require.Len(t, thing.Recordings, 3)
	for i, rec := range thing.Recordings {
		assert.Equal(t, 2, rec.NumChannels())
		assert.Equal(t, []string{"Ch1", "Ch2"}, rec.Channels.Codes())
		assert.Nil(t, rec.Temperature)
		assert.Nil(t, rec.Humidity)
		assert.Equal(t, "test's measured roomir", rec.Comment)
		assert.Equal(t, float64((i+1)*1000+10+3), rec.Samples.At(3, 1))
	}
	assert.Equal(t, map[string][]int{"array1": {1, 2}}, thing.InChannels.Groups())
	assert.Equal(t, "O1", thing.OutCode())
}

func TestTake_DismemberMixedSelectors(t *testing.T) {
	s := newTestSetup(t, func(p *SetupParams) { p.Averages = 2 })
	p := roomIRParams()
	p.InChannels = []string{"Ch3", "array1"}
	p.Receivers = []string{"R2", "R1"}
	take, err := NewTake(s, p)
	require.NoError(t, err)

	engine := &fakeEngine{frames: 3}
	require.NoError(t, take.Run(context.Background(), engine, nil, nil))
	assert.Equal(t, []int{3, 1, 2}, engine.calls[0].InChannels)

	things := take.Things()
	require.Len(t, things, 2)

	total := 0
	for _, th := range things {
		require.Len(t, th.Recordings, 2)
		total += th.Recordings[0].NumChannels()
	}
	assert.Equal(t, 3, total)

	ch3, ok := take.Thing("Ch3")
	require.True(t, ok)
	assert.Equal(t, "roomir_S1-R2_O1-Ch3_sweep18", ch3.Name())
	assert.Empty(t, ch3.InChannels.Groups())
	assert.Equal(t, 2000.0, ch3.Recordings[1].Samples.At(0, 0))

	arr, ok := take.Thing("array1")
	require.True(t, ok)
	assert.Equal(t, "R1", arr.Receiver)
	assert.Equal(t, 1010.0, arr.Recordings[0].Samples.At(0, 0))
	assert.Equal(t, 2021.0, arr.Recordings[1].Samples.At(1, 1))
}

func TestTake_RunWithSensorAndPauses(t *testing.T) {
	s := newTestSetup(t, func(p *SetupParams) { p.PauseForAverage = true })
	take, err := NewTake(s, TakeParams{Kind: "noisefloor", InChannels: []string{"Ch3"}, Receivers: []string{"R4"}})
	require.NoError(t, err)

	probe := &fakeSensor{}
	pauser := &countingPauser{}
	require.NoError(t, take.Run(context.Background(), &fakeEngine{frames: 2}, probe, pauser))

	assert.Equal(t, 3, probe.reads)
	assert.Equal(t, []int{2, 1}, pauser.left)

	thing := take.Things()[0]
	assert.Equal(t, "noisefloor_R4_Ch3_", thing.Name())
	require.NotNil(t, thing.Recordings[2].Temperature)
	assert.Equal(t, 23.0, *thing.Recordings[2].Temperature)
	assert.Nil(t, thing.OutChannel)
}

func TestTake_RunFailures(t *testing.T) {
	s := newTestSetup(t)

	t.Run("engine error", func(t *testing.T) {
		take, err := NewTake(s, roomIRParams())
		require.NoError(t, err)
		boom := errors.New("xrun")
		err = take.Run(context.Background(), &fakeEngine{frames: 2, err: boom}, nil, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateConfigured, take.State())
		assert.Empty(t, take.Things())
	})

	t.Run("capture width", func(t *testing.T) {
		take, err := NewTake(s, roomIRParams())
		require.NoError(t, err)
		err = take.Run(context.Background(), &fakeEngine{frames: 2, width: 3}, nil, nil)
		assert.ErrorIs(t, err, fault.ErrValidation)
		assert.False(t, take.Ran())
	})

	t.Run("no engine", func(t *testing.T) {
		take, err := NewTake(s, roomIRParams())
		require.NoError(t, err)
		assert.ErrorIs(t, take.Run(context.Background(), nil, nil, nil), fault.ErrValidation)
	})
}

func TestTake_Persist(t *testing.T) {
	s := newTestSetup(t)
	take, err := NewTake(s, roomIRParams())
	require.NoError(t, err)

	called := 0
	save := func(things []*MeasuredThing) error {
		called++
		return nil
	}

	err = take.Persist(save)
	assert.ErrorIs(t, err, fault.ErrNotRun)
	assert.ErrorIs(t, err, fault.ErrState)
	assert.Zero(t, called)

	require.NoError(t, take.Run(context.Background(), &fakeEngine{frames: 1}, nil, nil))

	boom := errors.New("disk full")
	assert.ErrorIs(t, take.Persist(func([]*MeasuredThing) error { return boom }), boom)
	assert.False(t, take.Saved())

	// A completed take may run again before it is saved.
	require.NoError(t, take.Run(context.Background(), &fakeEngine{frames: 1}, nil, nil))

	require.NoError(t, take.Persist(save))
	assert.True(t, take.Saved())
	assert.Equal(t, StateSaved, take.State())

	err = take.Persist(save)
	assert.ErrorIs(t, err, fault.ErrAlreadySaved)
	assert.ErrorIs(t, err, fault.ErrState)
	assert.Equal(t, 1, called)

	err = take.Run(context.Background(), &fakeEngine{frames: 1}, nil, nil)
	assert.ErrorIs(t, err, fault.ErrState)
}

func TestMeasuredThing_Names(t *testing.T) {
	out, err := channel.NewList(channel.KindOut, channel.Channel{Number: 1, Name: "Dodecahedron", Code: "O1"})
	require.NoError(t, err)

	tests := []struct {
		thing MeasuredThing
		want  string
	}{
		{MeasuredThing{Kind: KindRoomIR, ArrayName: "array1", Source: "S1", Receiver: "R1", OutChannel: out, Excitation: "sweep18"},
			"roomir_S1-R1_O1-array1_sweep18"},
		{MeasuredThing{Kind: KindSourceRecalibration, ArrayName: "Ch1", Source: "S2", Receiver: "R1", OutChannel: out, Excitation: "sweep18"},
			"sourcerecalibration_S2-O1-Ch1_"},
		{MeasuredThing{Kind: KindNoiseFloor, ArrayName: "array1", Receiver: "R3"},
			"noisefloor_R3_array1_"},
		{MeasuredThing{Kind: KindNoiseFloor, ArrayName: "array1"},
			"noisefloor_array1_"},
		{MeasuredThing{Kind: KindMicCalibration, ArrayName: "Ch2", Receiver: "R1"},
			"miccalibration_Ch2_"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.thing.Name())
		})
	}
}

func TestMeasuredThing_RoundTrip(t *testing.T) {
	s := newTestSetup(t)
	take, err := NewTake(s, roomIRParams())
	require.NoError(t, err)
	require.NoError(t, take.Run(context.Background(), &fakeEngine{frames: 5}, &fakeSensor{}, nil))
	thing := take.Things()[0]

	g := container.NewGroup()
	require.NoError(t, thing.Encode(g))
	data, err := container.Marshal(g)
	require.NoError(t, err)
	stored, err := container.Unmarshal(data)
	require.NoError(t, err)

	back, err := DecodeThing(stored)
	require.NoError(t, err)
	if diff := cmp.Diff(thing, back); diff != "" {
		t.Errorf("decoded thing differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, thing.Name(), back.Name())

	again := container.NewGroup()
	require.NoError(t, back.Encode(again))
	data2, err := container.Marshal(again)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2))
}

func TestMeasuredThing_DecodeCalibrationWithoutOutput(t *testing.T) {
	s := newTestSetup(t)
	take, err := NewTake(s, TakeParams{Kind: "calibration", InChannels: []string{"Ch2"}})
	require.NoError(t, err)
	require.NoError(t, take.Run(context.Background(), &fakeEngine{frames: 2}, nil, nil))

	g := container.NewGroup()
	require.NoError(t, take.Things()[0].Encode(g))
	assert.True(t, g.IsNone("outChannel"))

	back, err := DecodeThing(g)
	require.NoError(t, err)
	assert.Nil(t, back.OutChannel)
	assert.Equal(t, "miccalibration_Ch2_", back.Name())
}

func TestPromptPauser(t *testing.T) {
	var out strings.Builder
	p := &PromptPauser{In: strings.NewReader("\n"), Out: &out}

	require.NoError(t, p.Pause(context.Background(), 2))
	assert.Contains(t, out.String(), "2 left")

	assert.Error(t, p.Pause(context.Background(), 1))
}
