package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// bindForm copies form fields over req. Absent or blank fields keep their
// current value.
func bindForm(r *http.Request, req *GenerateRequest) error {
	if v, ok := formValue(r, "prompt"); ok {
		req.Prompt = v
	}
	if v, ok := formValue(r, "image_filename"); ok {
		req.ImageFilename = v
	}
	if v, ok := formValue(r, "sampler_name"); ok {
		req.SamplerName = v
	}
	if v, ok := formValue(r, "scheduler"); ok {
		req.Scheduler = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"width", &req.Width},
		{"height", &req.Height},
		{"steps", &req.Steps},
		{"length", &req.Length},
		{"fps", &req.FPS},
	}
	for _, f := range ints {
		if err := formInt(r, f.name, f.dst); err != nil {
			return err
		}
	}

	if err := formFloat(r, "cfg", &req.CFG); err != nil {
		return err
	}

	var err error
	if req.Seed, err = formInt64Ptr(r, "seed"); err != nil {
		return err
	}
	if req.NoiseSeed, err = formInt64Ptr(r, "noise_seed"); err != nil {
		return err
	}

	if v, ok := formValue(r, "push_to_s3"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("push_to_s3 must be a boolean")
		}
		req.PushToS3 = b
	}
	return nil
}

func bindEnhanceForm(r *http.Request, req *EnhanceRequest) error {
	if v, ok := formValue(r, "user_prompt"); ok {
		req.UserPrompt = v
	}
	if v, ok := formValue(r, "temperature"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.New("temperature must be a number")
		}
		req.Temperature = &f
	}
	if v, ok := formValue(r, "max_tokens"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("max_tokens must be an integer")
		}
		req.MaxTokens = &n
	}
	return nil
}

func formValue(r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.FormValue(name))
	return v, v != ""
}

func formInt(r *http.Request, name string, dst *int) error {
	v, ok := formValue(r, name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer", name)
	}
	*dst = n
	return nil
}

func formFloat(r *http.Request, name string, dst *float64) error {
	v, ok := formValue(r, name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s must be a number", name)
	}
	*dst = f
	return nil
}

func formInt64Ptr(r *http.Request, name string) (*int64, error) {
	v, ok := formValue(r, name)
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", name)
	}
	return &n, nil
}
