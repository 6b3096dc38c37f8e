package workflow

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

type workflowDocument struct {
	Name        string                 `yaml:"name"`
	On          yaml.Node              `yaml:"on"`
	Env         map[string]interface{} `yaml:"env"`
	Defaults    defaultsDocument       `yaml:"defaults"`
	Concurrency yaml.Node              `yaml:"concurrency"`
	Jobs        yaml.Node              `yaml:"jobs"`
}

type defaultsDocument struct {
	Run runDefaults `yaml:"run"`
}

type runDefaults struct {
	Shell            string `yaml:"shell"`
	WorkingDirectory string `yaml:"working-directory"`
}

type eventDocument struct {
	Branches       stringList  `yaml:"branches"`
	BranchesIgnore stringList  `yaml:"branches-ignore"`
	Tags           stringList  `yaml:"tags"`
	TagsIgnore     stringList  `yaml:"tags-ignore"`
	Paths          stringList  `yaml:"paths"`
	PathsIgnore    stringList  `yaml:"paths-ignore"`
	Types          interface{} `yaml:"types"`
}

type scheduleDocument struct {
	Cron string `yaml:"cron"`
}

type dispatchDocument struct {
	Inputs yaml.Node `yaml:"inputs"`
}

type inputDocument struct {
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Default     *string  `yaml:"default"`
	Type        string   `yaml:"type"`
	Options     []string `yaml:"options"`
}

type concurrencyDocument struct {
	Group            string `yaml:"group"`
	CancelInProgress *bool  `yaml:"cancel-in-progress"`
}

type jobDocument struct {
	Name           string                 `yaml:"name"`
	RunsOn         stringList             `yaml:"runs-on"`
	Needs          stringList             `yaml:"needs"`
	Env            map[string]interface{} `yaml:"env"`
	Defaults       defaultsDocument       `yaml:"defaults"`
	Strategy       strategyDocument       `yaml:"strategy"`
	TimeoutMinutes float64                `yaml:"timeout-minutes"`
	Steps          []stepDocument         `yaml:"steps"`
	Services       interface{}            `yaml:"services"`
	Container      interface{}            `yaml:"container"`
	If             string                 `yaml:"if"`
}

type strategyDocument struct {
	Matrix      yaml.Node `yaml:"matrix"`
	MaxParallel int       `yaml:"max-parallel"`
	FailFast    *bool     `yaml:"fail-fast"`
}

type stepDocument struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Run              string                 `yaml:"run"`
	Uses             string                 `yaml:"uses"`
	With             map[string]interface{} `yaml:"with"`
	Env              map[string]interface{} `yaml:"env"`
	Shell            string                 `yaml:"shell"`
	WorkingDirectory string                 `yaml:"working-directory"`
	If               string                 `yaml:"if"`
	ContinueOnError  bool                   `yaml:"continue-on-error"`
}

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = stringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

func convertEnv(input map[string]interface{}) map[string]string {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
