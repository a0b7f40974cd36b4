package runtime

const (
	DefaultPythonBinary = "python3"
	DefaultPythonImage  = "docker.io/library/python:3.12-slim"
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct {
	binary string
	image  string
}

// NewPython returns a Python runtime. Empty arguments select the defaults.
func NewPython(binary, image string) *PythonRuntime {
	if binary == "" {
		binary = DefaultPythonBinary
	}
	if image == "" {
		image = DefaultPythonImage
	}
	return &PythonRuntime{binary: binary, image: image}
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return p.image }

func (p *PythonRuntime) Binary() string { return p.binary }

func (p *PythonRuntime) Command(args ...string) []string {
	cmd := []string{
		p.binary,
		"-I", // Isolated: ignore PYTHON* env, user site and script dir
		"-u", // Unbuffered output
		"-B", // Don't write .pyc files
	}
	return append(cmd, args...)
}

func (p *PythonRuntime) FileName() string { return "main.py" }
