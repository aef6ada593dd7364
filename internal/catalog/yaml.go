// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package catalog

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

type yamlConfig struct {
	StarRate     string            `yaml:"star_rate"`
	RateCurrency string            `yaml:"rate_currency"`
	WelcomeImage string            `yaml:"welcome_image"`
	Messages     map[string]string `yaml:"messages"`
	Items        []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Price       int64  `yaml:"price"`
		Description string `yaml:"description"`
		Payload     string `yaml:"payload"`
	} `yaml:"items"`
}

func parseYAML(src []byte) (*config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var yc yamlConfig
	if err := dec.Decode(&yc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty config")
		}
		return nil, err
	}

	cfg := &config{
		Messages:     yc.Messages,
		WelcomeImage: yc.WelcomeImage,
		StarRate:     yc.StarRate,
		RateCurrency: yc.RateCurrency,
	}
	for _, it := range yc.Items {
		cfg.Items = append(cfg.Items, Item{
			ID:          it.ID,
			Name:        it.Name,
			Price:       it.Price,
			Description: it.Description,
			Payload:     it.Payload,
		})
	}
	return cfg, nil
}
