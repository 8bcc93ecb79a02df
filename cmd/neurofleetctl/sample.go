package main

const sampleExperiment = `; neurofleet experiment
[experiment]
name = xor
scape = xor
populations = 1
backup_frequency = 5
seed = 1

[population]
size = 50
inputs = 2
outputs = 1
bias = true
input_activation = identity
output_activation = sigmoid
activations = tanh, sigmoid, relu, gaussian

[mutation]
add_neuron_rate = 0.03
add_connection_rate = 0.05
weight_mutation_rate = 0.8
weight_sigma = 0.5
remove_connection_rate = 0
remove_neuron_rate = 0
reachability_policy = best_effort
; operators = add_neuron, add_connection, mutate_weights, remove_connection, remove_neuron

[selection]
tournament_size = 3
elite_fraction = 0.1

[termination]
generation_limit = 200
fitness_goal = 1000
stagnation_generations = 0

[scheduler]
stalled_after = 5m
stale_after = 30s
sweep_interval = 5s
evaluation_retries = 1
retry_backoff = 100ms
workers = 4
`
