package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDecodeInboundTypedEvents(t *testing.T) {
	cases := []struct {
		raw  string
		want Inbound
	}{
		{`{"type":"ride_accept","data":{"rideId":"r1","driverId":"d1"}}`, &RideAccept{RideID: "r1", DriverID: "d1"}},
		{`{"type":"ride_reject","data":{"rideId":"r1","driverId":"d1"}}`, &RideReject{RideID: "r1", DriverID: "d1"}},
		{`{"type":"driver_arrived","data":{"rideId":"r1"}}`, &DriverArrivedEvent{RideID: "r1"}},
		{`{"type":"ride_start","data":{"rideId":"r1","otp":"4821"}}`, &RideStart{RideID: "r1", OTP: "4821"}},
		{`{"type":"ride_complete","data":{"rideId":"r1","otp":"1234"}}`, &RideComplete{RideID: "r1", OTP: "1234"}},
		{`{"type":"ride_cancel","data":{"rideId":"r1","cancelledBy":"rider","reason":"changed plans"}}`,
			&RideCancel{RideID: "r1", CancelledBy: models.CancelledByRider, Reason: "changed plans"}},
	}
	for _, tc := range cases {
		got, err := DecodeInbound([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestDecodeDriverOnline(t *testing.T) {
	got, err := DecodeInbound([]byte(`{"type":"driver_online","data":{"driverId":"d1","lat":12.97,"lng":77.59}}`))
	require.NoError(t, err)
	ev, ok := got.(*DriverOnline)
	require.True(t, ok)
	assert.Equal(t, "d1", ev.DriverID)
	assert.Equal(t, 12.97, *ev.Lat)
	assert.Equal(t, 77.59, *ev.Lng)
}

func TestDecodeInboundRejectsBadInput(t *testing.T) {
	bad := []string{
		`not json`,
		`{"type":"teleport","data":{}}`,
		`{"type":"ride_accept"}`,
		`{"type":"ride_accept","data":{"rideId":"r1"}}`,
		`{"type":"driver_online","data":{"driverId":"d1","lat":12.9}}`,
		`{"type":"driver_online","data":{"driverId":"d1","lat":"abc","lng":1}}`,
		`{"type":"driver_online","data":{"driverId":"d1","lat":120,"lng":1}}`,
		`{"type":"ride_start","data":{"rideId":"r1","otp":""}}`,
		`{"type":"ride_cancel","data":{"rideId":"r1","cancelledBy":"passenger"}}`,
	}
	for _, raw := range bad {
		_, err := DecodeInbound([]byte(raw))
		assert.ErrorIs(t, err, models.ErrInvalidInput, raw)
	}
}

func TestFrameCarriesTypeAndPayload(t *testing.T) {
	msg := RideTaken("r1", "d1")
	assert.Equal(t, ToDrivers(), msg.Target)
	require.NoError(t, msg.Validate())

	b, err := msg.Frame()
	require.NoError(t, err)
	var f struct {
		Type string           `json:"type"`
		Data RideTakenPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &f))
	assert.Equal(t, "ride_taken", f.Type)
	assert.Equal(t, RideTakenPayload{RideID: "r1", AcceptedBy: "d1"}, f.Data)
}

func TestOTPsOnlyReachTheRider(t *testing.T) {
	ride := &models.Ride{ID: "r1", StartOTP: "4821", StopOTP: "1934", Status: models.StatusAccepted}

	var accepted, confirmed RidePayload
	require.NoError(t, json.Unmarshal(RideAccepted("rider-conn", ride).Payload, &accepted))
	require.NoError(t, json.Unmarshal(RideConfirmed("driver-conn", ride).Payload, &confirmed))

	assert.Equal(t, "4821", accepted.Ride.StartOTP)
	assert.Empty(t, confirmed.Ride.StartOTP)
	assert.Empty(t, confirmed.Ride.StopOTP)
	assert.Equal(t, "4821", ride.StartOTP, "redaction must not mutate the source ride")
}

func TestMessageValidate(t *testing.T) {
	assert.Error(t, Message{Type: TypeRideError, Target: Target{Audience: AudienceConn}}.Validate())
	assert.Error(t, Message{Type: TypeRideError, Target: Target{Audience: "planet"}}.Validate())
	assert.Error(t, Message{Target: ToAll()}.Validate())
	assert.NoError(t, RoomJoin("c1", "r1").Validate())
	assert.Equal(t, "ride:r1", ToRoom("r1").ID)
}
