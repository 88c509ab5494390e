package sim

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

func testDevice(id string) config.SimulatedDevice {
	return config.SimulatedDevice{
		ID:       id,
		Name:     "Test fixture",
		Channels: []hlp.ChannelType{hlp.ChannelWhite, hlp.ChannelRed, hlp.ChannelFarRed},
	}
}

func request(t *testing.T, typ hlp.MessageType, deviceID string, seq uint32, payload any) *hlp.Message {
	t.Helper()
	msg, err := hlp.NewMessage(typ, deviceID, seq, payload)
	if err != nil {
		t.Fatalf("NewMessage(%s): %v", typ, err)
	}
	return msg
}

func TestHandle_SetIntensityImmediate(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)

	reply := s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 1, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 0, Intensity: 75}},
	}))
	if reply == nil || reply.Type != hlp.TypeAck {
		t.Fatalf("reply = %+v, want ACK", reply)
	}
	if reply.Seq != 1 {
		t.Errorf("reply seq = %d, want 1 (echoed)", reply.Seq)
	}

	channels, total := s.state.snapshot()
	if channels[0].Intensity != 75 {
		t.Errorf("intensity = %v, want 75", channels[0].Intensity)
	}
	// 75% of the default 50W channel.
	if channels[0].TargetPower != 37.5 || channels[0].ActualPower != 37.5 {
		t.Errorf("power = %v/%v, want 37.5/37.5", channels[0].ActualPower, channels[0].TargetPower)
	}
	if total != 37.5 {
		t.Errorf("total power = %v, want 37.5", total)
	}
}

func TestHandle_RampDelaysActualPower(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)
	defer s.state.stopRamps()

	s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 1, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 0, Intensity: 75, RampTime: 0.1}},
	}))

	channels, _ := s.state.snapshot()
	if channels[0].TargetPower != 37.5 {
		t.Errorf("target = %v, want 37.5 immediately", channels[0].TargetPower)
	}
	if channels[0].ActualPower != 0 {
		t.Errorf("actual = %v, want 0 during ramp", channels[0].ActualPower)
	}

	time.Sleep(250 * time.Millisecond)
	channels, _ = s.state.snapshot()
	if channels[0].ActualPower != 37.5 {
		t.Errorf("actual = %v, want 37.5 after ramp", channels[0].ActualPower)
	}
}

func TestHandle_RampOverwriteLastWriteWins(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)
	defer s.state.stopRamps()

	// A long ramp superseded by a short one: only the short one completes.
	s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 1, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 0, Intensity: 100, RampTime: 5}},
	}))
	s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 2, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 0, Intensity: 40, RampTime: 0.05}},
	}))

	time.Sleep(150 * time.Millisecond)
	channels, _ := s.state.snapshot()
	if channels[0].Intensity != 40 {
		t.Errorf("intensity = %v, want 40", channels[0].Intensity)
	}
	if channels[0].ActualPower != 20 {
		t.Errorf("actual = %v, want 20 (40%% of 50W)", channels[0].ActualPower)
	}
}

func TestHandle_UnknownChannelNack(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)

	reply := s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 9, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 42, Intensity: 10}},
	}))
	if reply == nil || reply.Type != hlp.TypeNack {
		t.Fatalf("reply = %+v, want NACK", reply)
	}
}

func TestHandle_SetSpectrumByType(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)

	master := 50.0
	reply := s.handle(request(t, hlp.TypeSetSpectrum, "sim-hlp-001", 3, &hlp.SetSpectrum{
		Spectrum:  map[hlp.ChannelType]float64{hlp.ChannelRed: 80, hlp.ChannelUV: 100},
		Intensity: &master,
	}))
	if reply == nil || reply.Type != hlp.TypeAck {
		t.Fatalf("reply = %+v, want ACK", reply)
	}

	channels, _ := s.state.snapshot()
	for _, ch := range channels {
		switch ch.Type {
		case hlp.ChannelRed:
			// 80 scaled by the 50% master.
			if ch.Intensity != 40 {
				t.Errorf("RED intensity = %v, want 40", ch.Intensity)
			}
		default:
			// Bands not named (and the UV band this fixture lacks) stay put.
			if ch.Intensity != 0 {
				t.Errorf("%s intensity = %v, want 0", ch.Type, ch.Intensity)
			}
		}
	}
}

func TestHandle_ScheduleAndGroupUpserts(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)

	sched := hlp.Schedule{ID: "veg", Name: "Veg", Enabled: true}
	for i := 0; i < 2; i++ { // same id twice: upsert, not append
		reply := s.handle(request(t, hlp.TypeSetSchedule, "sim-hlp-001", uint32(i), &hlp.SetSchedule{Schedule: sched}))
		if reply == nil || reply.Type != hlp.TypeAck {
			t.Fatalf("SET_SCHEDULE reply = %+v", reply)
		}
	}
	s.handle(request(t, hlp.TypeSetGroup, "sim-hlp-001", 5, &hlp.SetGroup{
		Group: hlp.Group{ID: "rack-a", DeviceIDs: []string{"sim-hlp-001"}},
	}))

	schedules, groups := s.state.counts()
	if schedules != 1 || groups != 1 {
		t.Errorf("counts = %d/%d, want 1/1", schedules, groups)
	}

	info := s.handle(request(t, hlp.TypeDeviceInfoRequest, "sim-hlp-001", 6, &hlp.DeviceInfoRequest{}))
	payload, err := info.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	resp := payload.(*hlp.DeviceInfoResponse)
	if resp.ScheduleCount != 1 || resp.GroupCount != 1 {
		t.Errorf("info counts = %d/%d, want 1/1", resp.ScheduleCount, resp.GroupCount)
	}
	if resp.Capabilities.MaxChannels != 3 {
		t.Errorf("MaxChannels = %d, want 3", resp.Capabilities.MaxChannels)
	}
}

func TestHandle_StatusIncludesTemperatureAndPower(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)

	s.handle(request(t, hlp.TypeSetIntensity, "sim-hlp-001", 1, &hlp.SetIntensity{
		Channels: []hlp.ChannelIntensity{{ChannelID: 0, Intensity: 100}, {ChannelID: 1, Intensity: 50}},
	}))

	reply := s.handle(request(t, hlp.TypeStatusRequest, "sim-hlp-001", 2, &hlp.StatusRequest{}))
	payload, err := reply.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	status := payload.(*hlp.StatusResponse)
	if status.DeviceStatus != hlp.StatusOnline {
		t.Errorf("status = %s", status.DeviceStatus)
	}
	if status.TotalPower != 75 { // 50W + 25W
		t.Errorf("total power = %v, want 75", status.TotalPower)
	}
	if status.Temperature == nil || *status.Temperature <= 25 {
		t.Errorf("temperature = %v, want > 25 under load", status.Temperature)
	}
	if len(status.Errors) != 0 {
		t.Errorf("errors = %v, want empty", status.Errors)
	}
}

func TestCommandConnection_IgnoresForeignDeviceID(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.CommandPort()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Addressed to another device: must be silently ignored.
	if err := hlp.WriteMessage(conn, request(t, hlp.TypeStatusRequest, "someone-else", 1, &hlp.StatusRequest{})); err != nil {
		t.Fatal(err)
	}
	// Addressed to us: answered.
	if err := hlp.WriteMessage(conn, request(t, hlp.TypeStatusRequest, "sim-hlp-001", 2, &hlp.StatusRequest{})); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := hlp.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if reply == nil || reply.Seq != 2 {
		t.Fatalf("reply = %+v, want answer to seq 2 only", reply)
	}
}

func TestResponder_AnswersProbe(t *testing.T) {
	s := New(testDevice("sim-hlp-001"), nil)
	r := NewResponder(config.DiscoveryConfig{Port: 0}, []*Simulator{s})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	probe, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	if err != nil {
		t.Fatal(err)
	}
	defer probe.Close()

	msg := request(t, hlp.TypeDiscoverRequest, "", 11, &hlp.DiscoverRequest{ClientID: "test"})
	data, err := hlp.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := probe.Write(data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4096)
	probe.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := probe.Read(buf)
	if err != nil {
		t.Fatalf("no discovery reply: %v", err)
	}
	reply := hlp.Decode(buf[:n])
	if reply == nil || reply.Type != hlp.TypeDiscoverResponse || reply.Seq != 11 {
		t.Fatalf("reply = %+v", reply)
	}
	payload, err := reply.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	resp := payload.(*hlp.DiscoverResponse)
	if resp.DeviceID != "sim-hlp-001" || resp.Serial == "" {
		t.Errorf("descriptor = %+v", resp)
	}

	// A probe addressed to a different device gets no reply.
	msg = request(t, hlp.TypeDiscoverRequest, "not-me", 12, &hlp.DiscoverRequest{})
	data, _ = hlp.Encode(msg)
	probe.Write(data)
	probe.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := probe.Read(buf); err == nil {
		t.Error("probe for a foreign device id should not be answered")
	}
}

func TestStore_RetainsSchedulesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}

	s := New(testDevice("sim-hlp-001"), store)
	s.handle(request(t, hlp.TypeSetSchedule, "sim-hlp-001", 1, &hlp.SetSchedule{
		Schedule: hlp.Schedule{ID: "veg", Name: "Veg", Enabled: true},
	}))
	s.handle(request(t, hlp.TypeSetGroup, "sim-hlp-001", 2, &hlp.SetGroup{
		Group: hlp.Group{ID: "rack-a"},
	}))
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	restarted := New(testDevice("sim-hlp-001"), store2)
	restarted.loadRetained()
	schedules, groups := restarted.state.counts()
	if schedules != 1 || groups != 1 {
		t.Errorf("retained counts = %d/%d, want 1/1", schedules, groups)
	}
}
