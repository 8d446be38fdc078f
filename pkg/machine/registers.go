package machine

// ABI register numbers.
const (
	RegZero    = 0
	RegRA      = 1
	RegSP      = 2
	RegGP      = 3
	RegTP      = 4
	RegArg0    = 10
	RegRetval  = RegArg0
	RegSyscall = 17
)

// Registers is the architectural state swapped in and out of the CPU.
// X[0] is always zero.
type Registers struct {
	X    [32]uint32
	F    [32]uint64
	PC   uint32
	FCSR uint32
}

func (r *Registers) Get(i uint32) uint32 {
	return r.X[i&31]
}

func (r *Registers) Set(i uint32, v uint32) {
	if i&31 != 0 {
		r.X[i&31] = v
	}
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegisterName returns the ABI name of integer register i.
func RegisterName(i int) string {
	return abiNames[i&31]
}
