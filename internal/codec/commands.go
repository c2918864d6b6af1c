package codec

// VelocityPID is the speed loop gain set, 12 bytes on the wire (P, I, D).
type VelocityPID struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

// CurrentPI is the current loop gain set, 8 bytes on the wire (P, I).
type CurrentPI struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
}

// EncodeTargetSpeed packs a target speed in rad/s.
func EncodeTargetSpeed(radPerSec float64) []byte {
	return EncodeScalar(radPerSec)
}

// Encode packs the gains in P, I, D order.
func (g VelocityPID) Encode() []byte {
	return EncodeVector(g.P, g.I, g.D)
}

// Encode packs the gains in P, I order.
func (g CurrentPI) Encode() []byte {
	return EncodeVector(g.P, g.I)
}

// DecodeVelocityPID decodes a velocity PID readback.
func DecodeVelocityPID(b []byte) (VelocityPID, error) {
	v, err := DecodeVector(b, 3)
	if err != nil {
		return VelocityPID{}, err
	}
	return VelocityPID{P: v[0], I: v[1], D: v[2]}, nil
}

// DecodeCurrentPI decodes a current PI readback.
func DecodeCurrentPI(b []byte) (CurrentPI, error) {
	v, err := DecodeVector(b, 2)
	if err != nil {
		return CurrentPI{}, err
	}
	return CurrentPI{P: v[0], I: v[1]}, nil
}
