package store

import (
	"context"
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
	"github.com/audiolibrelab/roomir/internal/measure"
)

type rampEngine struct{ frames int }

func (e rampEngine) Acquire(_ context.Context, req audio.Request) (*audio.Capture, error) {
	m := mat.NewDense(e.frames, len(req.InChannels), nil)
	for i := 0; i < e.frames; i++ {
		for j := range req.InChannels {
			m.Set(i, j, float64(j*10+i))
		}
	}
	return &audio.Capture{Samples: m, Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}, nil
}

func testSetup(t *testing.T, name string) *measure.Setup {
	t.Helper()
	in, err := channel.NewList(channel.KindIn,
		channel.Channel{Number: 1, Name: "mic1", Code: "Ch1"},
		channel.Channel{Number: 2, Name: "mic2", Code: "Ch2"},
		channel.Channel{Number: 3, Name: "mic3", Code: "Ch3"},
	)
	require.NoError(t, err)
	require.NoError(t, in.SetGroups(map[string][]int{"array1": {1, 2}}))
	out, err := channel.NewList(channel.KindOut, channel.Channel{Number: 1, Name: "Dodecahedron", Code: "O1"})
	require.NoError(t, err)

	s, err := measure.NewSetup(measure.SetupParams{
		Name:                name,
		SamplingRate:        48000,
		Device:              []int{4},
		FreqMin:             20,
		FreqMax:             20000,
		Averages:            2,
		NoiseFloorDuration:  time.Second,
		CalibrationDuration: time.Second,
		Excitations: map[string]*audio.Signal{
			"sweep18": {Samples: []float64{0, 0.5, -0.5}, SamplingRate: 48000, FreqMin: 20, FreqMax: 20000},
		},
		InChannels:  in,
		OutChannels: out,
	})
	require.NoError(t, err)
	return s
}

func ranTake(t *testing.T, s *measure.Setup, p measure.TakeParams) *measure.Take {
	t.Helper()
	take, err := measure.NewTake(s, p)
	require.NoError(t, err)
	require.NoError(t, take.Run(context.Background(), rampEngine{frames: 5}, nil, nil))
	return take
}

func roomIR(receivers ...string) measure.TakeParams {
	if len(receivers) == 0 {
		receivers = []string{"R1"}
	}
	sel := []string{"array1", "Ch3"}[:len(receivers)]
	return measure.TakeParams{
		Kind:       "roomir",
		InChannels: sel,
		OutChannel: "O1",
		Excitation: "sweep18",
		Source:     "S1",
		Receivers:  receivers,
	}
}

func initStore(t *testing.T, b container.Backend) *Store {
	t.Helper()
	st, err := Init(b, testSetup(t, "hall"), InitOptions{})
	require.NoError(t, err)
	return st
}

func TestNextName(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		stems []string
		want  string
	}{
		{"empty", "x", nil, "x_1"},
		{"one existing", "x", []string{"x_1"}, "x_2"},
		{"gap keeps max", "x", []string{"x_1", "x_7", "x_3"}, "x_8"},
		{"other names ignored", "x", []string{"x_y_4", "xx_2", "x_"}, "x_1"},
		{"non numeric suffix ignored", "x", []string{"x_a", "x_1b"}, "x_1"},
		{"metacharacters", "roomir_S1-R1_O1-a.b", []string{"roomir_S1-R1_O1-a.b_9", "roomir_S1-R1_O1-aXb_12"}, "roomir_S1-R1_O1-a.b_10"},
		{"trailing underscore", "noisefloor_array1_", []string{"noisefloor_array1__2"}, "noisefloor_array1__3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextName(tt.stems, tt.base))
		})
	}
}

func TestInit(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)

	root, err := b.Read(RootStem)
	require.NoError(t, err)
	for _, kind := range measure.Kinds {
		_, ok := root.Child(string(kind))
		assert.True(t, ok, "kind group %s", kind)
	}
	assert.Equal(t, "hall", st.Setup().Name())

	_, err = Init(b, testSetup(t, "other"), InitOptions{})
	require.ErrorIs(t, err, fault.ErrExists)
	require.ErrorIs(t, err, fault.ErrStorage)

	reopened, err := Open(b)
	require.NoError(t, err)
	assert.Equal(t, "hall", reopened.Setup().Name())
}

func TestInit_Overwrite(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)
	_, err := st.SaveTake(ranTake(t, st.Setup(), roomIR()))
	require.NoError(t, err)

	st2, err := Init(b, testSetup(t, "other"), InitOptions{Overwrite: true})
	require.NoError(t, err)
	status, err := st2.Status()
	require.NoError(t, err)
	assert.Equal(t, "other", status.Name)
	assert.Zero(t, status.Count(measure.KindRoomIR))

	stems, err := container.Stems(b)
	require.NoError(t, err)
	assert.Equal(t, []string{RootStem}, stems)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(container.NewMemory())
	require.ErrorIs(t, err, fault.ErrMissing)
}

func TestSaveTake_NamesAndLinks(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)

	take := ranTake(t, st.Setup(), roomIR("R1", "R2"))
	names, err := st.SaveTake(take)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"roomir_S1-R1_O1-array1_sweep18_1",
		"roomir_S1-R2_O1-Ch3_sweep18_1",
	}, names)
	assert.True(t, take.Saved())

	again, err := st.SaveTake(ranTake(t, st.Setup(), roomIR("R1", "R2")))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"roomir_S1-R1_O1-array1_sweep18_2",
		"roomir_S1-R2_O1-Ch3_sweep18_2",
	}, again)

	root, err := b.Read(RootStem)
	require.NoError(t, err)
	kg, ok := root.Child("roomir")
	require.True(t, ok)
	link, ok := kg.Link("roomir_S1-R1_O1-array1_sweep18_2")
	require.True(t, ok)
	assert.Equal(t, container.ExternalLink{
		File: "roomir_S1-R1_O1-array1_sweep18_2.yaml",
		Path: "/roomir_S1-R1_O1-array1_sweep18_2",
	}, link)

	want := take.Things()[0]
	got, err := st.Load(measure.KindRoomIR, names[0])
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loaded thing mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveTake_ExistingFilesPickNextSuffix(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)
	base := "roomir_S1-R1_O1-array1_sweep18"

	b.Put(base+"_4.yaml", []byte("planted"))
	names, err := st.SaveTake(ranTake(t, st.Setup(), roomIR()))
	require.NoError(t, err)
	assert.Equal(t, []string{base + "_5"}, names)

	b.Remove(base + "_4")
	b.Remove(base + "_5")
	names, err = st.SaveTake(ranTake(t, st.Setup(), roomIR()))
	require.NoError(t, err)
	assert.Equal(t, []string{base + "_1"}, names)
}

func TestSaveTake_States(t *testing.T) {
	st := initStore(t, container.NewMemory())

	take, err := measure.NewTake(st.Setup(), roomIR())
	require.NoError(t, err)
	_, err = st.SaveTake(take)
	require.ErrorIs(t, err, fault.ErrNotRun)
	require.ErrorIs(t, err, fault.ErrState)

	take = ranTake(t, st.Setup(), roomIR())
	_, err = st.SaveTake(take)
	require.NoError(t, err)
	_, err = st.SaveTake(take)
	require.ErrorIs(t, err, fault.ErrAlreadySaved)

	status, err := st.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Count(measure.KindRoomIR))
}

func TestSaveTake_ForeignSetup(t *testing.T) {
	st := initStore(t, container.NewMemory())
	take := ranTake(t, testSetup(t, "elsewhere"), roomIR())
	_, err := st.SaveTake(take)
	require.ErrorIs(t, err, fault.ErrValidation)
	assert.False(t, take.Saved())
}

func TestResolve_DanglingLink(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)
	names, err := st.SaveTake(ranTake(t, st.Setup(), roomIR()))
	require.NoError(t, err)

	b.Remove(names[0])
	_, err = st.Resolve(measure.KindRoomIR, names[0])
	require.ErrorIs(t, err, fault.ErrBadLink)

	_, err = st.Resolve(measure.KindRoomIR, "nothing_1")
	require.ErrorIs(t, err, fault.ErrMissing)
}

func TestResolve_WrongPathInFile(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)
	names, err := st.SaveTake(ranTake(t, st.Setup(), roomIR()))
	require.NoError(t, err)

	require.NoError(t, b.Write(names[0], container.NewGroup()))
	_, err = st.Load(measure.KindRoomIR, names[0])
	require.ErrorIs(t, err, fault.ErrBadLink)
}

func TestStatus(t *testing.T) {
	st := initStore(t, container.NewMemory())
	_, err := st.SaveTake(ranTake(t, st.Setup(), roomIR("R1", "R2")))
	require.NoError(t, err)
	_, err = st.SaveTake(ranTake(t, st.Setup(), measure.TakeParams{Kind: "noisefloor", InChannels: []string{"array1"}}))
	require.NoError(t, err)

	status, err := st.Status()
	require.NoError(t, err)
	assert.Equal(t, "hall", status.Name)
	assert.Equal(t, 2, status.Count(measure.KindRoomIR))
	assert.Equal(t, []string{"noisefloor_array1__1"}, status.Things[measure.KindNoiseFloor])
	assert.Empty(t, status.Things[measure.KindMicCalibration])
}

func TestExportSetup(t *testing.T) {
	b := container.NewMemory()
	st := initStore(t, b)
	require.NoError(t, st.ExportSetup())

	s, err := ReadSetupFile(b)
	require.NoError(t, err)
	if diff := cmp.Diff(st.Setup(), s); diff != "" {
		t.Errorf("exported setup mismatch (-want +got):\n%s", diff)
	}

	// Exporting twice replaces the file.
	require.NoError(t, st.ExportSetup())
}

func TestBackends(t *testing.T) {
	backends := map[string]func(dir string) container.Backend{
		"dir":    func(dir string) container.Backend { return container.NewDir(dir) },
		"sqlite": func(dir string) container.Backend { return container.NewSQLite(dir) },
	}
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t.TempDir())
			st := initStore(t, b)
			take := ranTake(t, st.Setup(), roomIR())
			names, err := st.SaveTake(take)
			require.NoError(t, err)

			reopened, err := Open(b)
			require.NoError(t, err)
			got, err := reopened.Load(measure.KindRoomIR, names[0])
			require.NoError(t, err)
			if diff := cmp.Diff(take.Things()[0], got); diff != "" {
				t.Errorf("thing mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
